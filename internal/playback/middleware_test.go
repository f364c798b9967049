package playback

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCORSServer(t *testing.T, origins ...string) *Server {
	t.Helper()
	cfg := testConfig()
	cfg.Playback.CORSOrigins = origins
	srv, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func TestCORSPreflight(t *testing.T) {
	srv := newCORSServer(t, "http://player.local")

	rec := doRequest(srv, http.MethodOptions, "/torrent/abc", map[string]string{
		"Origin":                         "http://player.local",
		"Access-Control-Request-Method":  "GET",
		"Access-Control-Request-Headers": "range",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://player.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "HEAD")
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSSimpleRequest(t *testing.T) {
	srv := newCORSServer(t, "*.example.com")

	rec := doRequest(srv, http.MethodGet, "/health", map[string]string{"Origin": "https://tv.example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://tv.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range")
}

func TestCORSRejectedOrigin(t *testing.T) {
	srv := newCORSServer(t, "http://player.local")

	rec := doRequest(srv, http.MethodOptions, "/health", map[string]string{
		"Origin":                        "http://evil.local",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv := newCORSServer(t)

	rec := doRequest(srv, http.MethodGet, "/health", map[string]string{"Origin": "http://player.local"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "exact", origin: "http://a.local", allowed: []string{"http://a.local"}, want: true},
		{name: "any", origin: "http://a.local", allowed: []string{"*"}, want: true},
		{name: "subdomain", origin: "https://tv.example.com", allowed: []string{"*.example.com"}, want: true},
		{name: "bare domain not subdomain", origin: "https://example.com", allowed: []string{"*.example.com"}, want: false},
		{name: "other", origin: "http://b.local", allowed: []string{"http://a.local"}, want: false},
		{name: "empty list", origin: "http://a.local", allowed: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isOriginAllowed(tt.origin, tt.allowed))
		})
	}
}
