package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-app/custodia/pkg/incident"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type subjectRow struct {
	SubjectID  string    `json:"subject_id"`
	Name       string    `json:"name"`
	DeviceName string    `json:"device_name"`
	Linked     bool      `json:"linked"`
	LastSeen   time.Time `json:"last_seen"`
}

type incidentRow struct {
	IncidentID  string    `json:"incident_id"`
	MatchedWord string    `json:"matched_word"`
	Category    string    `json:"category"`
	SourceApp   string    `json:"source_app"`
	HasEvidence bool      `json:"has_evidence"`
	Resolved    bool      `json:"resolved"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type issuedCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "custodia",
		Short: "Custodia - guardian console for supervised devices",
		Long:  "Inspect lock status and incidents, and issue link, logout, and unlock codes for supervised devices",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "Custodia server URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("CUSTODIA_ADMIN_TOKEN"), "Guardian bearer token (defaults to CUSTODIA_ADMIN_TOKEN)")

	rootCmd.AddCommand(
		subjectsCmd(),
		addSubjectCmd(),
		statusCmd(),
		incidentsCmd(),
		incidentCmd(),
		linkCodeCmd(),
		logoutCodeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func subjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "subjects",
		Aliases: []string{"ls", "list"},
		Short:   "List supervised subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var subjects []subjectRow
			if err := adminGet("/v1/admin/subjects", &subjects); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUBJECT ID\tNAME\tDEVICE\tLINKED\tLAST SEEN")
			fmt.Fprintln(w, "----------\t----\t------\t------\t---------")
			for _, s := range subjects {
				lastSeen := "never"
				if !s.LastSeen.IsZero() {
					lastSeen = fmt.Sprintf("%s ago", time.Since(s.LastSeen).Round(time.Second))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.SubjectID, s.Name, s.DeviceName, s.Linked, lastSeen)
			}
			w.Flush()
			return nil
		},
	}
}

func addSubjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-subject [name]",
		Short: "Register a new supervised subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var created struct {
				SubjectID string `json:"subject_id"`
			}
			if err := adminPost("/v1/admin/subjects", map[string]string{"name": args[0]}, &created); err != nil {
				return err
			}
			fmt.Printf("Subject created: %s\n", created.SubjectID)
			fmt.Printf("Issue a link code with: custodia link-code %s\n", created.SubjectID)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [subject-id]",
		Short: "Show a subject's lock status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status incident.LockStatus
			if err := adminGet("/v1/admin/subjects/"+args[0]+"/status", &status); err != nil {
				return err
			}

			if !status.Locked {
				fmt.Println("Device is not locked")
				return nil
			}

			fmt.Printf("Device LOCKED\n")
			fmt.Printf("=============\n\n")
			fmt.Printf("Incident:      %s\n", status.IncidentID)
			fmt.Printf("Matched Word:  %s\n", status.MatchedWord)
			fmt.Printf("Source App:    %s\n", status.SourceApp)
			fmt.Printf("Evidence:      %v\n", status.HasEvidence)
			fmt.Printf("Code Issued:   %v\n", status.CodeIssued)
			if status.LockedSince != nil {
				fmt.Printf("Locked Since:  %s (%s ago)\n",
					status.LockedSince.Format(time.RFC3339),
					time.Since(*status.LockedSince).Round(time.Second))
			}
			fmt.Printf("\nRead the unlock code with: custodia incident %s\n", status.IncidentID)
			return nil
		},
	}
}

func incidentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incidents [subject-id]",
		Short: "List a subject's incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []incidentRow
			if err := adminGet("/v1/admin/subjects/"+args[0]+"/incidents", &rows); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INCIDENT ID\tWORD\tCATEGORY\tAPP\tEVIDENCE\tRESOLVED\tWHEN")
			fmt.Fprintln(w, "-----------\t----\t--------\t---\t--------\t--------\t----")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%s ago\n",
					r.IncidentID, r.MatchedWord, r.Category, r.SourceApp,
					r.HasEvidence, r.Resolved, time.Since(r.OccurredAt).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
}

func incidentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incident [incident-id]",
		Short: "Show incident details, including the unlock code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inc incident.Incident
			if err := adminGet("/v1/admin/incidents/"+args[0], &inc); err != nil {
				return err
			}

			fmt.Printf("Incident: %s\n", inc.ID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Subject:       %s\n", inc.SubjectID)
			fmt.Printf("Matched Word:  %s\n", inc.MatchedWord)
			fmt.Printf("Matched Text:  %s\n", inc.MatchedText)
			fmt.Printf("Category:      %s\n", inc.Category)
			fmt.Printf("Source App:    %s\n", inc.SourceApp)
			fmt.Printf("Occurred:      %s\n", inc.CreatedAt.Format(time.RFC3339))
			if inc.EvidenceURL != "" {
				fmt.Printf("Evidence:      %s%s\n", strings.TrimRight(serverURL, "/"), inc.EvidenceURL)
			}
			if inc.Resolved {
				resolvedAt := ""
				if inc.ResolvedAt != nil {
					resolvedAt = inc.ResolvedAt.Format(time.RFC3339)
				}
				fmt.Printf("Resolved:      yes (%s)\n", resolvedAt)
				return nil
			}
			fmt.Printf("Resolved:      no\n")
			if inc.UnlockCode.Issued() {
				fmt.Printf("\nUnlock code:   %s\n", inc.UnlockCode.Code)
				fmt.Printf("Read this code to the child; it stays valid until used.\n")
			}
			return nil
		},
	}
}

func linkCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link-code [subject-id]",
		Short: "Issue a single-use device link code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code issuedCode
			if err := adminPost("/v1/admin/subjects/"+args[0]+"/link-code", nil, &code); err != nil {
				return err
			}
			printCode("Link", code)
			fmt.Printf("Run on the device: custodia-agent --link %s\n", code.Code)
			return nil
		},
	}
}

func logoutCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout-code [subject-id]",
		Short: "Issue a single-use supervised logout code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code issuedCode
			if err := adminPost("/v1/admin/subjects/"+args[0]+"/logout-code", nil, &code); err != nil {
				return err
			}
			printCode("Logout", code)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("custodia version %s\n", Version)
		},
	}
}

func printCode(kind string, code issuedCode) {
	fmt.Printf("%s code: %s\n", kind, code.Code)
	fmt.Printf("Expires in %s (at %s)\n",
		(time.Duration(code.ExpiresIn) * time.Second).String(),
		code.ExpiresAt.Format(time.RFC3339))
}

func adminGet(path string, out any) error {
	return adminDo(http.MethodGet, path, nil, out)
}

func adminPost(path string, payload, out any) error {
	return adminDo(http.MethodPost, path, payload, out)
}

func adminDo(method, path string, payload, out any) error {
	if adminToken == "" {
		return fmt.Errorf("no guardian token: set CUSTODIA_ADMIN_TOKEN or pass --token")
	}

	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
