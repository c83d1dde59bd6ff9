package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusPartialContent, nil},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadGateway, ErrServerError},
		{http.StatusTeapot, ErrHttpStatus},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := CheckStatus(&http.Response{StatusCode: tt.code, Status: http.StatusText(tt.code)})
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetJSONThroughLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"chapter"}`))
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "requests.log")
	transport, err := NewLoggingTransport(nil, logPath)
	require.NoError(t, err)
	client := NewClient(transport, 5*time.Second)

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, client.GetJSON(context.Background(), srv.URL+"/manifest", &out))
	assert.Equal(t, "chapter", out.Name)

	err = client.GetJSON(context.Background(), srv.URL+"/missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, transport.Close())
	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "/manifest")
	assert.Contains(t, string(logged), `{"name":"chapter"}`)
}

func TestDoHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(nil, 0).Do(ctx, http.MethodGet, srv.URL)
	assert.ErrorIs(t, err, ErrHttpRequest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
