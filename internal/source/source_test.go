package source

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"rotagate/internal/config"
	"rotagate/internal/entity"
	"rotagate/internal/errs"

	"github.com/ulikunitz/xz"
)

func ep(host string, port int, scheme entity.Protocol) entity.Endpoint {
	return entity.Endpoint{Host: host, Port: port, Scheme: scheme}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	return path
}

func writeXZ(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w, err := xz.NewWriter(f)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}

	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("xz write: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}

	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	const csvRows = "10.0.0.3,3128\n10.0.0.4,8443,https\nbroken\n10.0.0.5,notaport\n"

	tests := []struct {
		name    string
		cfg     func(t *testing.T) config.Source
		want    []entity.Endpoint
		wantErr error
	}{
		{
			name: "inline list with default scheme",
			cfg: func(*testing.T) config.Source {
				return config.Source{List: "10.0.0.1:3128, 10.0.0.2:8080:https"}
			},
			want: []entity.Endpoint{
				ep("10.0.0.1", 3128, entity.ProtocolHTTP),
				ep("10.0.0.2", 8080, entity.ProtocolHTTPS),
			},
		},
		{
			name: "inline list skips malformed entries",
			cfg: func(*testing.T) config.Source {
				return config.Source{List: "10.0.0.1:3128,nohost,10.0.0.2:99999,10.0.0.3:80:ftp,,"}
			},
			want: []entity.Endpoint{ep("10.0.0.1", 3128, entity.ProtocolHTTP)},
		},
		{
			name: "csv file",
			cfg: func(t *testing.T) config.Source {
				return config.Source{File: writeFile(t, "proxies.csv", csvRows)}
			},
			want: []entity.Endpoint{
				ep("10.0.0.3", 3128, entity.ProtocolHTTP),
				ep("10.0.0.4", 8443, entity.ProtocolHTTPS),
			},
		},
		{
			name: "xz compressed csv file",
			cfg: func(t *testing.T) config.Source {
				return config.Source{File: writeXZ(t, "proxies.csv.xz", csvRows)}
			},
			want: []entity.Endpoint{
				ep("10.0.0.3", 3128, entity.ProtocolHTTP),
				ep("10.0.0.4", 8443, entity.ProtocolHTTPS),
			},
		},
		{
			name: "duplicates removed in order",
			cfg: func(t *testing.T) config.Source {
				return config.Source{
					List: "10.0.0.1:3128,10.0.0.1:3128:http,10.0.0.1:3128:https",
					File: writeFile(t, "proxies.csv", "10.0.0.1,3128\n"),
				}
			},
			want: []entity.Endpoint{
				ep("10.0.0.1", 3128, entity.ProtocolHTTP),
				ep("10.0.0.1", 3128, entity.ProtocolHTTPS),
			},
		},
		{
			name: "missing file",
			cfg: func(t *testing.T) config.Source {
				return config.Source{File: filepath.Join(t.TempDir(), "absent.csv")}
			},
			wantErr: errs.ErrSourceFailed,
		},
		{
			name: "nothing configured",
			cfg: func(*testing.T) config.Source {
				return config.Source{}
			},
			wantErr: errs.ErrEmptyProxyList,
		},
		{
			name: "only malformed entries",
			cfg: func(*testing.T) config.Source {
				return config.Source{List: "a,b,c"}
			},
			wantErr: errs.ErrEmptyProxyList,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Load(t.Context(), slog.Default(), tc.cfg(t))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Load() error = %v, want %v", err, tc.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			if !slices.Equal(got, tc.want) {
				t.Errorf("Load() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoad_Pool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    []entity.Endpoint
		wantErr error
	}{
		{
			name:   "json array",
			status: http.StatusOK,
			body:   `[{"proxy":"10.0.0.7:3128","https":false},{"proxy":"bad"},{"proxy":"10.0.0.8:80:https"}]`,
			want: []entity.Endpoint{
				ep("10.0.0.7", 3128, entity.ProtocolHTTP),
				ep("10.0.0.8", 80, entity.ProtocolHTTPS),
			},
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    "boom",
			wantErr: errs.ErrSourceFailed,
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `{"proxy":`,
			wantErr: errs.ErrSourceFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			got, err := Load(t.Context(), slog.Default(), config.Source{PoolURL: srv.URL + "/all"})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Load() error = %v, want %v", err, tc.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			if !slices.Equal(got, tc.want) {
				t.Errorf("Load() = %v, want %v", got, tc.want)
			}
		})
	}
}
