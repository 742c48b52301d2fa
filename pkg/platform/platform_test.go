package platform

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "widget", "clubhouse")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"widget":"clubhouse"`)

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SLUGGER_TEST_INT", "7")
	t.Setenv("SLUGGER_TEST_BOOL", "1")
	t.Setenv("SLUGGER_TEST_DURATION", "2m")
	t.Setenv("SLUGGER_TEST_BAD_INT", "seven")

	assert.Equal(t, 7, GetEnvInt("SLUGGER_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("SLUGGER_TEST_BAD_INT", 1))
	assert.True(t, GetEnvBool("SLUGGER_TEST_BOOL", false))
	assert.Equal(t, 2*time.Minute, GetEnvDuration("SLUGGER_TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", GetEnv("SLUGGER_TEST_UNSET", "fallback"))
}

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"open when unset", "", "", http.StatusNoContent},
		{"matching key", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong key", "s3cret", "guess", http.StatusUnauthorized},
		{"missing key", "s3cret", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			APIKeyMiddleware(tt.key, ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
