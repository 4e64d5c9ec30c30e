package transform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocache/sync-engine/internal/allowlist"
	"github.com/zerocache/sync-engine/internal/httpclient"
	"github.com/zerocache/sync-engine/internal/wire"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rc := retryablehttp.NewClient()
	rc.HTTPClient = srv.Client()
	rc.Logger = nil
	rc.RetryMax = 0

	matcher, err := allowlist.Compile([]string{srv.URL + "/override"})
	require.NoError(t, err)

	noBlock := false
	validator := httpclient.NewSaferClientWithOptions(0, httpclient.SaferClientOptions{
		HostAllow:      matcher,
		BlockPrivateIP: &noBlock,
	})

	c := New(Config{URL: srv.URL, Allow: matcher, HTTPClient: rc, Validator: validator})
	return c, srv
}

func TestTransformSuccess(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["transformed", [{"id": "q1", "name": "myQuery", "ast": {"table": "issue"}}]]`))
	})
	_ = srv

	results, err := c.Transform(context.Background(), c.cfg.URL, []wire.TransformRequestItem{{ID: "q1", Name: "myQuery"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q1", results[0].ID)
	assert.JSONEq(t, `{"table":"issue"}`, string(results[0].AST))
}

func TestTransformFailedResponse(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["transformFailed", {"message": "boom"}]`))
	})

	_, err := c.Transform(context.Background(), c.cfg.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTransformNonOKStatus(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Transform(context.Background(), c.cfg.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TransformFailed")
}

func TestURLFor(t *testing.T) {
	c, srv := testClient(t, func(http.ResponseWriter, *http.Request) {})

	got, ok := c.URLFor("")
	assert.True(t, ok)
	assert.Equal(t, srv.URL, got)

	got, ok = c.URLFor(srv.URL + "/override")
	assert.True(t, ok)
	assert.Equal(t, srv.URL+"/override", got)

	_, ok = c.URLFor("http://evil.example.com/hook")
	assert.False(t, ok)
}
