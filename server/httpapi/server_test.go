package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/pkg/metrics"
	"github.com/migadu/mop3/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{ total, auth int64 }

func (f fakeStats) GetTotalConnections() int64         { return f.total }
func (f fakeStats) GetAuthenticatedConnections() int64 { return f.auth }

func newTestServer(t *testing.T, opts ServerOptions) http.Handler {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s.Handler()
}

func get(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    ServerOptions
		wantErr bool
	}{
		{name: "defaults", opts: ServerOptions{Addr: ":9100"}},
		{name: "missing addr", opts: ServerOptions{}, wantErr: true},
		{name: "relative path", opts: ServerOptions{Addr: ":9100", MetricsPath: "metrics"}, wantErr: true},
		{name: "bad cidr", opts: ServerOptions{Addr: ":9100", AllowedHosts: []string{"10.0.0.0/99"}}, wantErr: true},
		{name: "good cidr", opts: ServerOptions{Addr: ":9100", AllowedHosts: []string{"10.0.0.0/8", "127.0.0.1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if tt.wantErr {
				assert.ErrorIs(t, err, consts.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.PostsPublished.WithLabelValues("success").Inc()
	h := newTestServer(t, ServerOptions{MetricsPath: "/prom"})

	rec := get(h, "/prom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mop3_posts_published_total")

	assert.Equal(t, http.StatusNotFound, get(h, "/metrics", "").Code)
}

func TestHealth(t *testing.T) {
	state := "closed"
	h := newTestServer(t, ServerOptions{
		Backend:      "mastodon",
		BreakerState: func() string { return state },
		Listeners: map[string]server.ConnectionStatsProvider{
			"pop3": fakeStats{total: 3, auth: 2},
		},
	})

	rec := get(h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, consts.Version, resp.Version)
	assert.Equal(t, "mastodon", resp.Backend)
	assert.Equal(t, connectionStats{Total: 3, Authenticated: 2}, resp.Connections["pop3"])

	state = "open"
	rec = get(h, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"degraded"`))
}

func TestAllowedHosts(t *testing.T) {
	h := newTestServer(t, ServerOptions{AllowedHosts: []string{"10.1.0.0/16", "192.0.2.7"}})

	tests := []struct {
		remote string
		want   int
	}{
		{remote: "10.1.2.3:5555", want: http.StatusOK},
		{remote: "192.0.2.7:80", want: http.StatusOK},
		{remote: "192.0.2.8:80", want: http.StatusForbidden},
		{remote: "10.2.0.1:5555", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, get(h, "/healthz", tt.remote).Code)
		})
	}
}
