package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/auth"
	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

// Client is the agent's view of the remote store: incident persistence,
// evidence upload, and guardian-issued code retrieval, all over signed
// HTTP requests.
type Client struct {
	baseURL  string
	http     *http.Client
	identity *auth.Identity
	logger   zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, identity *auth.Identity, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		identity: identity,
		logger:   logger.With().Str("component", "remote").Logger(),
	}
}

// Link redeems a guardian-issued link code. Unsigned: the code is the
// credential, and the device has no subject binding yet.
func (c *Client) Link(ctx context.Context, code, deviceName, osInfo string) (*auth.LinkResponse, error) {
	reqBody, err := json.Marshal(auth.LinkRequest{
		Code:         code,
		DeviceName:   deviceName,
		PublicKeyB64: c.identity.PublicKeyB64(),
		OSInfo:       osInfo,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/link", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var linkResp auth.LinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&linkResp); err != nil {
		return nil, err
	}
	return &linkResp, nil
}

// PutIncident persists an incident record. Idempotent by incident ID on
// the server, so the sync pass can safely resend after a crash.
func (c *Client) PutIncident(ctx context.Context, inc *incident.Incident) error {
	return c.signedJSON(ctx, http.MethodPost, "/v1/incidents", inc, nil)
}

func (c *Client) UpdateIncidentEvidence(ctx context.Context, incidentID, url string) error {
	body := map[string]string{"url": url}
	return c.signedJSON(ctx, http.MethodPut, "/v1/incidents/"+incidentID+"/evidence", body, nil)
}

func (c *Client) MarkIncidentResolved(ctx context.Context, incidentID string, at time.Time) error {
	body := map[string]time.Time{"resolved_at": at.UTC()}
	return c.signedJSON(ctx, http.MethodPost, "/v1/incidents/"+incidentID+"/resolve", body, nil)
}

// LatestUnresolved fetches the newest unresolved incident for this
// device's subject, or nil if there is none.
func (c *Client) LatestUnresolved(ctx context.Context, subjectID string) (*incident.Incident, error) {
	var inc incident.Incident
	found, err := c.signedGet(ctx, "/v1/incidents/latest", &inc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &inc, nil
}

// Upload pushes evidence bytes keyed by incident ID and returns the URL
// the server assigned. Single attempt; callers do not retry.
func (c *Client) Upload(ctx context.Context, key string, data []byte) (string, error) {
	signed := auth.CreateSignedRequest(c.identity, data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/evidence/"+key, bytes.NewReader(signed.Body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setSignatureHeaders(req, signed)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.URL, nil
}

// FetchCode retrieves the guardian-issued code state for a flow so the
// device can validate it locally. Returns an empty state when none is
// active.
func (c *Client) FetchCode(ctx context.Context, flow otc.Flow) (otc.State, error) {
	var state otc.State
	found, err := c.signedGet(ctx, "/v1/codes/"+string(flow), &state)
	if err != nil {
		return otc.State{}, err
	}
	if !found {
		return otc.State{}, nil
	}
	return state, nil
}

// ClearCode tells the server a flow's code was consumed (or should be
// revoked) so it cannot be replayed through another device.
func (c *Client) ClearCode(ctx context.Context, flow otc.Flow) error {
	return c.signedJSON(ctx, http.MethodDelete, "/v1/codes/"+string(flow), nil, nil)
}

func (c *Client) signedJSON(ctx context.Context, method, path string, body, out any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	signed := auth.CreateSignedRequest(c.identity, payload)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(signed.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setSignatureHeaders(req, signed)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// signedGet performs a signed GET; a 404 means "nothing there" rather
// than an error.
func (c *Client) signedGet(ctx context.Context, path string, out any) (bool, error) {
	signed := auth.CreateSignedRequest(c.identity, []byte("{}"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, bytes.NewReader(signed.Body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setSignatureHeaders(req, signed)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, err
		}
		return true, nil
	case http.StatusNotFound, http.StatusNoContent:
		return false, nil
	default:
		return false, responseError(resp)
	}
}

func (c *Client) setSignatureHeaders(req *http.Request, signed *auth.SignedRequest) {
	req.Header.Set(auth.HeaderSubjectID, c.identity.SubjectID)
	req.Header.Set(auth.HeaderSignature, signed.Signature)
	req.Header.Set(auth.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
	req.Header.Set(auth.HeaderNonce, signed.Nonce)
}

func responseError(resp *http.Response) error {
	if (resp.StatusCode >= 500 && resp.StatusCode < 600) || resp.StatusCode == http.StatusTooManyRequests {
		return statusError{status: resp.StatusCode}
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
