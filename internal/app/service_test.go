package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"grouping/internal/clock"
	"grouping/internal/config"
	"grouping/internal/domain"
	"grouping/internal/group"
)

const serviceTestConfig = `
service:
  mode: single
  instance_id: test-instance
log:
  console:
    enabled: true
    level: error
    format: json
route:
  receiver: ops
  group_by: [alertname, cluster]
  group_wait: 30s
ingest:
  http:
    enabled: true
metrics:
  enabled: true
`

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(serviceTestConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.cleanupInitResources)
	return service
}

func postAlert(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestServiceReadyEndpointTracksLifecycle(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	handler := service.httpSrv.Handler

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d, want 503", recorder.Code)
	}

	service.readyFlag.Store(true)
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("readyz after start = %d, want 200", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", recorder.Code)
	}
}

func TestServiceIngestsAndListsGroups(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	handler := service.httpSrv.Handler

	body := `{"fingerprint":"fp-1","status":"firing","labels":{"alertname":"HighCPU","cluster":"eu-1"},"starts_at":"2026-03-10T09:00:00Z"}`
	recorder := postAlert(t, handler, body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, want 201, body %s", recorder.Code, recorder.Body.String())
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", recorder.Code)
	}
	var listed groupListResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Total != 1 || len(listed.Groups) != 1 {
		t.Fatalf("list total=%d groups=%d, want 1/1", listed.Total, len(listed.Groups))
	}
	grp := listed.Groups[0]
	if grp.Receiver != "ops" || grp.Status != domain.GroupStatusFiring {
		t.Fatalf("unexpected group %+v", grp)
	}

	recorder = httptest.NewRecorder()
	target := "/api/v1/groups/" + url.PathEscape(grp.Key)
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("get group status = %d, want 200", recorder.Code)
	}
	var fetched domain.AlertGroup
	if err := json.Unmarshal(recorder.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode group: %v", err)
	}
	if fetched.Key != grp.Key || len(fetched.Alerts) != 1 {
		t.Fatalf("unexpected fetched group %+v", fetched)
	}
}

func TestServiceGroupFiltersAndPagination(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	handler := service.httpSrv.Handler

	alerts := []string{
		`{"fingerprint":"fp-1","status":"firing","labels":{"alertname":"HighCPU","cluster":"eu-1"},"starts_at":"2026-03-10T09:00:00Z"}`,
		`{"fingerprint":"fp-2","status":"firing","labels":{"alertname":"HighCPU","cluster":"eu-2"},"starts_at":"2026-03-10T09:00:00Z"}`,
		`{"fingerprint":"fp-3","status":"firing","labels":{"alertname":"DiskFull","cluster":"eu-1"},"starts_at":"2026-03-10T09:00:00Z"}`,
	}
	for _, body := range alerts {
		if recorder := postAlert(t, handler, body); recorder.Code != http.StatusCreated {
			t.Fatalf("ingest status = %d, want 201", recorder.Code)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/groups?label=cluster%3Deu-1", nil))
	var listed groupListResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Total != 2 {
		t.Fatalf("label filter total = %d, want 2", listed.Total)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/groups?limit=2&offset=2", nil))
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if listed.Total != 3 || len(listed.Groups) != 1 {
		t.Fatalf("page total=%d groups=%d, want 3/1", listed.Total, len(listed.Groups))
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/groups?offset=nope", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("invalid offset status = %d, want 400", recorder.Code)
	}
}

func TestServiceGetGroupNotFound(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	recorder := httptest.NewRecorder()
	service.httpSrv.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/groups/ops%2Fcluster%3Dnowhere", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing group status = %d, want 404", recorder.Code)
	}
}

func TestServiceStatsEndpoint(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	handler := service.httpSrv.Handler

	body := `{"fingerprint":"fp-1","status":"firing","labels":{"alertname":"HighCPU","cluster":"eu-1"},"starts_at":"2026-03-10T09:00:00Z"}`
	if recorder := postAlert(t, handler, body); recorder.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, want 201", recorder.Code)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", recorder.Code)
	}
	var stats group.Stats
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Groups != 1 || stats.Alerts != 1 {
		t.Fatalf("stats = %+v, want 1 group / 1 alert", stats)
	}
}

func TestServiceMetricsEndpointExposed(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	recorder := httptest.NewRecorder()
	service.httpSrv.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "grouping_") {
		t.Fatalf("metrics body misses service collectors")
	}
}
