package health

import (
	"fmt"
	"math"
	"net/http"
	"time"
)

type HealthStatus struct {
	ServerReachable bool      `json:"server_reachable"`
	DeviceReady     bool      `json:"device_ready"`
	TimeDrift       int       `json:"time_drift_seconds"`
	LastCheck       time.Time `json:"last_check"`
	Healthy         bool      `json:"healthy"`
	Issues          []string  `json:"issues,omitempty"`
}

// Check probes server reachability, device capability readiness, and local
// clock drift. Drift matters because code expiry is evaluated against the
// local wall clock; a skewed clock rejects codes the guardian just issued.
func Check(serverURL string, maxTimeDrift int, deviceProbe func() error) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Issues:    []string{},
		LastCheck: time.Now().UTC(),
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/v1/health")
	if err != nil {
		status.ServerReachable = false
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
	} else {
		resp.Body.Close()
		status.ServerReachable = resp.StatusCode == http.StatusOK
		if !status.ServerReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
		} else {
			status.TimeDrift = driftFromResponse(resp, time.Now())
			if status.TimeDrift > maxTimeDrift {
				status.Healthy = false
				status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", status.TimeDrift, maxTimeDrift))
			}
		}
	}

	if deviceProbe != nil {
		if err := deviceProbe(); err != nil {
			status.DeviceReady = false
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("device capabilities degraded: %v", err))
		} else {
			status.DeviceReady = true
		}
	}

	return status
}

// driftFromResponse estimates clock drift from the server's Date header.
// Coarse (the header has second resolution and ignores latency) but enough
// to catch a clock that is minutes off.
func driftFromResponse(resp *http.Response, now time.Time) int {
	date := resp.Header.Get("Date")
	if date == "" {
		return 0
	}
	serverTime, err := http.ParseTime(date)
	if err != nil {
		return 0
	}
	return int(math.Abs(now.Sub(serverTime).Seconds()))
}
