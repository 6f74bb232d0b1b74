package httprouter_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rotagate/internal/consts"
	"rotagate/internal/entity"
	httprouter "rotagate/internal/infrastructure/delivery/http"
	"rotagate/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
)

type fakePool struct {
	snapshot entity.PoolSnapshot
}

func (f fakePool) Snapshot() entity.PoolSnapshot {
	return f.snapshot
}

func (f fakePool) AvailableCount(protocol entity.Protocol) int {
	if protocol == entity.ProtocolHTTPS {
		return len(f.snapshot.AvailableHTTPS)
	}

	return len(f.snapshot.AvailableHTTP)
}

func newServer(t *testing.T, pool httprouter.Pool) *httptest.Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	router := httprouter.New(slog.Default(), pool, observability.New(reg), reg)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	return resp, string(body)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	endpoint := entity.Endpoint{Host: "10.0.0.1", Port: 3128, Scheme: entity.ProtocolHTTP}

	tests := []struct {
		name       string
		snapshot   entity.PoolSnapshot
		wantStatus int
		wantBody   string
	}{
		{
			name:       "upstream available",
			snapshot:   entity.PoolSnapshot{AvailableHTTPS: []entity.Endpoint{endpoint}},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "no upstream available",
			snapshot:   entity.PoolSnapshot{All: []entity.Endpoint{endpoint}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   consts.RespNotReady,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newServer(t, fakePool{snapshot: tc.snapshot})

			resp, body := get(t, srv.URL+"/v1/readyz")

			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}

			if body != tc.wantBody {
				t.Errorf("body = %q, want %q", body, tc.wantBody)
			}

			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("X-Request-ID header is missing")
			}
		})
	}
}

func TestGetPool(t *testing.T) {
	t.Parallel()

	a := entity.Endpoint{Host: "10.0.0.1", Port: 3128, Scheme: entity.ProtocolHTTP}
	b := entity.Endpoint{Host: "10.0.0.2", Port: 8443, Scheme: entity.ProtocolHTTPS}

	srv := newServer(t, fakePool{snapshot: entity.PoolSnapshot{
		Mode:           entity.ModeDefault,
		All:            []entity.Endpoint{a, b},
		AvailableHTTP:  []entity.Endpoint{a},
		AvailableHTTPS: []entity.Endpoint{a, b},
		Selections:     []entity.Selection{{Protocol: entity.ProtocolHTTP, Port: 8080, Endpoint: a}},
		RequestCount:   3,
	}})

	resp, body := get(t, srv.URL+"/v1/pool")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Message string              `json:"message"`
		Data    entity.PoolSnapshot `json:"data"`
	}

	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}

	if got.Message != consts.RespPoolRetrieved {
		t.Errorf("message = %q, want %q", got.Message, consts.RespPoolRetrieved)
	}

	if len(got.Data.All) != 2 || len(got.Data.AvailableHTTP) != 1 || len(got.Data.AvailableHTTPS) != 2 {
		t.Errorf("snapshot = %+v", got.Data)
	}

	if len(got.Data.Selections) != 1 || got.Data.Selections[0].Endpoint != a {
		t.Errorf("selections = %+v", got.Data.Selections)
	}

	if got.Data.RequestCount != 3 {
		t.Errorf("requestCount = %d, want 3", got.Data.RequestCount)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newServer(t, fakePool{})

	// one request so the http counters have a sample
	get(t, srv.URL+"/v1/readyz")

	resp, body := get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if !strings.Contains(body, "rotagate_http_requests_total") {
		t.Errorf("metrics output lacks rotagate_http_requests_total:\n%s", body)
	}
}
