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
	"grouping/test/testutil"
)

// BenchmarkHTTPIngestSingleMode measures alert throughput through the full
// HTTP ingest path of a single-instance service.
func BenchmarkHTTPIngestSingleMode(b *testing.B) {
	port, err := testutil.FreePort()
	if err != nil {
		b.Fatalf("free port: %v", err)
	}

	body := singleModeConfig(port, "1h")
	path := filepath.Join(b.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		b.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		b.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		b.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(8 * time.Second):
			b.Fatalf("service did not stop")
		}
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/alerts", port)
	readyDeadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(readyDeadline) {
		response, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/readyz", port))
		if err == nil {
			_ = response.Body.Close()
			if response.StatusCode == http.StatusOK {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	client := &http.Client{}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			payload := fmt.Sprintf(`{"fingerprint":"fp-%d","status":"firing","labels":{"alertname":"Bench","cluster":"c-%d"},"starts_at":"2026-03-10T09:00:00Z"}`, i, i%32)
			response, err := client.Post(baseURL, "application/json", strings.NewReader(payload))
			if err != nil {
				b.Fatalf("post alert: %v", err)
			}
			_ = response.Body.Close()
			if response.StatusCode >= 300 {
				b.Fatalf("ingest status = %d", response.StatusCode)
			}
		}
	})
}
