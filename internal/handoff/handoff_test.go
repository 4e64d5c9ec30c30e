package handoff

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampReason(t *testing.T) {
	short := "short reason"
	assert.Equal(t, short, ClampReason(short))

	long := strings.Repeat("a", 200)
	clamped := ClampReason(long)
	assert.LessOrEqual(t, len(clamped), CloseReasonLimit)

	// A reason ending mid multi-byte rune must clamp without splitting it.
	multibyte := strings.Repeat("a", CloseReasonLimit-1) + "éé"
	clamped = ClampReason(multibyte)
	assert.LessOrEqual(t, len(clamped), CloseReasonLimit)
	assert.True(t, validUTF8Suffix(clamped))
}

func validUTF8Suffix(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func TestFromHTTPRequestRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sync/v1/connect?foo=bar", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "zero-sync-v1")

	msg := FromHTTPRequest(req)
	rebuilt, err := msg.ToHTTPRequest(nil)
	require.NoError(t, err)

	assert.Equal(t, req.Method, rebuilt.Method)
	assert.Equal(t, req.Header.Get("Sec-WebSocket-Protocol"), rebuilt.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, "/sync/v1/connect", rebuilt.URL.Path)
}

func TestToHTTPRequestCarriesHead(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/sync/v1/connect", nil)
	msg := FromHTTPRequest(req)

	rebuilt, err := msg.ToHTTPRequest([]byte("buffered"))
	require.NoError(t, err)
	require.NotNil(t, rebuilt.Body)

	buf := make([]byte, 8)
	n, _ := rebuilt.Body.Read(buf)
	assert.Equal(t, "buffered", string(buf[:n]))
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sync/v1/connect", nil)
	env := Envelope{
		Message: FromHTTPRequest(req),
		Head:    []byte("buffered-bytes"),
		Payload: json.RawMessage(`{"worker":2}`),
	}

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Message.Method, got.Message.Method)
	assert.Equal(t, env.Head, got.Head)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}
