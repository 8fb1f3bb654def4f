package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grouping/internal/app"
	"grouping/internal/clock"
	"grouping/internal/config"
)

// newServiceFromConfig creates Service from a written config body.
// Params: test handle and YAML config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitFor polls condition until it holds or the deadline passes.
// Params: test handle, timeout, and condition.
// Returns: test fails on timeout.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// waitReady waits for /readyz endpoint to return 200.
// Params: test handle and HTTP port.
// Returns: service is ready or test fails on timeout.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

// postAlert sends one alert to the ingest endpoint.
// Params: test handle, base URL, and JSON body.
// Returns: HTTP status code.
func postAlert(t *testing.T, baseURL, body string) int {
	t.Helper()
	response, err := http.Post(baseURL+"/api/v1/alerts", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post alert: %v", err)
	}
	defer response.Body.Close()
	return response.StatusCode
}

// alertBody builds one firing alert payload.
// Params: fingerprint, alertname, and cluster labels.
// Returns: JSON document.
func alertBody(fingerprint, alertname, cluster string) string {
	return fmt.Sprintf(`{"fingerprint":%q,"status":"firing","labels":{"alertname":%q,"cluster":%q},"starts_at":"2026-03-10T09:00:00Z"}`,
		fingerprint, alertname, cluster)
}
