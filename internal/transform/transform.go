// Package transform implements the get-queries endpoint client of
// spec.md §6: converting per-client symbolic query references into
// authorized, fully-rewritten ASTs via the user API server
// (SPEC_FULL.md §9A). It reuses the pusher's retryable-HTTP-plus-
// allow-list machinery (internal/pusher, internal/allowlist) since
// both are "call out to the user's API server and parse a tagged
// response" collaborators, per spec.md §4.11's instruction to share
// the allow-list across the pusher's custom push URL and this
// optional per-client transform endpoint override.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/allowlist"
	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/httpclient"
	"github.com/zerocache/sync-engine/internal/wire"
)

// Config configures a Client for one deployment's get-queries endpoint.
type Config struct {
	URL    string
	Allow  *allowlist.Matcher
	Logger *zap.SugaredLogger

	// HTTPClient overrides the retry client built from
	// httpclient.NewSaferClient; tests supply one pointed at an
	// httptest.Server.
	HTTPClient *retryablehttp.Client

	// Validator overrides the SaferClient used by URLFor to vet a
	// client-supplied override URL. Tests pointed at an httptest.Server
	// supply one with BlockPrivateIP disabled the way
	// httpclient.WrapClient's doc comment describes.
	Validator *httpclient.SaferClient
}

// Client issues ['transform', [...]] requests to the user's get-queries
// endpoint, per spec.md §6.
type Client struct {
	cfg       Config
	client    *retryablehttp.Client
	validator *httpclient.SaferClient
}

// New constructs a Client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.HTTPClient = httpclient.NewSaferClient(0).Client
		client.Logger = nil
		client.RetryMax = 3
	}
	// A client-supplied override URL is attacker-influenced the same
	// way the pusher's userPushURL is; beyond the allow-list pattern
	// match it also gets SaferClient's scheme and private-IP/localhost
	// checks before Transform ever calls out to it.
	validator := cfg.Validator
	if validator == nil {
		validator = httpclient.NewSaferClientWithOptions(0, httpclient.SaferClientOptions{
			HostAllow: cfg.Allow,
		})
	}
	return &Client{cfg: cfg, client: client, validator: validator}
}

// envelope models the two-element JSON array wire shape
// (['transform', items] request, ['transformed', items] or
// ['transformFailed', body] response) with a string tag in position 0.
type envelope struct {
	tag     string
	payload json.RawMessage
}

func (e envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]json.RawMessage{
		mustMarshal(e.tag), e.payload,
	})
}

func (e *envelope) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.tag); err != nil {
		return err
	}
	e.payload = raw[1]
	return nil
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// FailedBody is the infrastructure-failure variant carried by a
// ['transformFailed', body] response, per spec.md §6.
type FailedBody struct {
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// URLFor resolves the effective transform URL for a client, validating
// a per-client override against the allow-list the way the pusher
// validates userPushURL, per spec.md §4.11.
func (c *Client) URLFor(clientOverrideURL string) (string, bool) {
	if clientOverrideURL == "" {
		return c.cfg.URL, true
	}
	if c.cfg.Allow == nil {
		return "", false
	}
	if _, err := c.validator.ValidateURL(clientOverrideURL); err != nil {
		return "", false
	}
	return clientOverrideURL, true
}

// Transform requests ASTs for items from target and parses the
// tagged response. On success it returns the transformed items; on an
// infrastructure failure (['transformFailed', ...] or a transport
// error) it returns a *serrors.ProtocolError with KindTransformFailed.
func (c *Client) Transform(ctx context.Context, target string, items []wire.TransformRequestItem) ([]wire.TransformResultItem, error) {
	reqBody, err := json.Marshal(items)
	if err != nil {
		return nil, serrors.Wrap(err, "encode transform request")
	}
	env := envelope{tag: "transform", payload: reqBody}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, serrors.Wrap(err, "encode transform envelope")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, c.transformFailed("build transform request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transformFailed("transform request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transformFailed("read transform response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.transformFailed("", serrors.Newf("transform endpoint returned status %d", resp.StatusCode))
	}

	var respEnv envelope
	if err := json.Unmarshal(data, &respEnv); err != nil {
		return nil, c.transformFailed("decode transform response", err)
	}

	switch respEnv.tag {
	case "transformed":
		var results []wire.TransformResultItem
		if err := json.Unmarshal(respEnv.payload, &results); err != nil {
			return nil, c.transformFailed("decode transformed payload", err)
		}
		return results, nil
	case "transformFailed":
		var body FailedBody
		_ = json.Unmarshal(respEnv.payload, &body)
		return nil, serrors.NewProtocolError(serrors.KindTransformFailed, serrors.OriginServer, body.Message).
			WithDetails(body.Details)
	default:
		return nil, c.transformFailed("", serrors.Newf("unrecognized transform response tag %q", respEnv.tag))
	}
}

func (c *Client) transformFailed(msg string, cause error) error {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warnw("transform request failed", "error", cause, "context", msg)
	}
	text := cause.Error()
	if msg != "" {
		text = msg + ": " + text
	}
	return serrors.NewProtocolError(serrors.KindTransformFailed, serrors.OriginZeroCache, text).WithCause(cause)
}
