// Package pusher implements the per-client-group PusherService of
// spec.md §4.6: a single worker loop that drains and combines queued
// mutation pushes, forwards the combination to the user's push
// endpoint, and fans the response back out per client.
package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/allowlist"
	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/httpclient"
	"github.com/zerocache/sync-engine/internal/wire"
)

// Task is one client's queued batch of mutations awaiting a push.
type Task struct {
	ClientID      string
	JWT           string
	SchemaVersion string
	PushVersion   int
	UserPushURL   string
	Mutations     []wire.Mutation
}

// ClientDispatcher delivers push outcomes back to a connected client.
// Implemented by internal/connection.
type ClientDispatcher interface {
	// PushResult streams a successful (possibly partial) prefix of
	// mutation outcomes; the connection stays open.
	PushResult(clientID string, outcomes []wire.MutationOutcome)
	// PushError delivers a non-fatal error body downstream without
	// closing the connection.
	PushError(clientID string, err *serrors.ProtocolError)
	// Fail terminates the client's connection with err.
	Fail(clientID string, err *serrors.ProtocolError)
}

// Config configures a Service for one client group.
type Config struct {
	ClientGroupID  string
	DefaultPushURL string
	Schema         string
	AppID          string
	APIKey         string
	ForwardCookie  bool
	Cookie         string
	Allow          *allowlist.Matcher
	Dispatcher     ClientDispatcher
	Logger         *zap.SugaredLogger

	// HTTPClient overrides the retry client built from
	// httpclient.NewSaferClient; tests supply one pointed at an
	// httptest.Server.
	HTTPClient *retryablehttp.Client

	// Validator overrides the SaferClient used to vet a client-supplied
	// userPushURL. Tests pointed at an httptest.Server supply one with
	// BlockPrivateIP disabled the way httpclient.WrapClient's doc
	// comment describes.
	Validator *httpclient.SaferClient
}

type entry struct {
	task Task
	stop bool
}

// Service is the ref-counted forwarder for one client group.
type Service struct {
	cfg       Config
	client    *retryablehttp.Client
	validator *httpclient.SaferClient

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []entry
	refs    int
	stopped bool
	done    chan struct{}
}

// New constructs a Service and starts its worker loop.
func New(cfg Config) *Service {
	client := cfg.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.HTTPClient = httpclient.NewSaferClient(0).Client
		client.Logger = nil
		client.RetryMax = 3
	}
	// userPushURL is attacker-influenced (any connected client can
	// supply one), so beyond the literal/regex allow-list match it also
	// gets the SaferClient's scheme and private-IP/localhost SSRF
	// checks before a combined push is ever routed to it — the
	// configured DefaultPushURL is operator-trusted and skips this.
	validator := cfg.Validator
	if validator == nil {
		validator = httpclient.NewSaferClientWithOptions(0, httpclient.SaferClientOptions{
			HostAllow: cfg.Allow,
		})
	}
	s := &Service{cfg: cfg, client: client, validator: validator, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Ref registers one more active connection using this service.
func (s *Service) Ref() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// Unref releases one active connection; at zero the worker loop drains
// and stops.
func (s *Service) Unref() {
	s.mu.Lock()
	s.refs--
	zero := s.refs <= 0 && !s.stopped
	if zero {
		s.stopped = true
		s.queue = append(s.queue, entry{stop: true})
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Enqueue queues a client's mutation batch for the next combined push.
func (s *Service) Enqueue(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, entry{task: t})
	s.cond.Signal()
}

// Done closes once the worker loop has processed the stop sentinel.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.cond.Wait()
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		stop := s.processBatch(batch)
		if stop {
			return
		}
	}
}

// processBatch groups one drained batch by effective target URL, then
// forwards each group. Returns true if the stop sentinel was seen.
func (s *Service) processBatch(batch []entry) bool {
	stop := false
	grouped := map[string][]Task{}
	var urlOrder []string

	for _, item := range batch {
		if item.stop {
			stop = true
			continue
		}
		target, ok := s.targetURL(item.task)
		if !ok {
			s.rejectCustomURL(item.task)
			continue
		}
		if _, seen := grouped[target]; !seen {
			urlOrder = append(urlOrder, target)
		}
		grouped[target] = append(grouped[target], item.task)
	}

	for _, target := range urlOrder {
		s.forwardGroup(target, grouped[target])
	}
	return stop
}

func (s *Service) targetURL(t Task) (string, bool) {
	if t.UserPushURL == "" {
		return s.cfg.DefaultPushURL, true
	}
	if s.cfg.Allow == nil {
		return "", false
	}
	if _, err := s.validator.ValidateURL(t.UserPushURL); err != nil {
		return "", false
	}
	return t.UserPushURL, true
}

func (s *Service) rejectCustomURL(t Task) {
	ids := make([]wire.MutationID, len(t.Mutations))
	for i, m := range t.Mutations {
		ids[i] = wire.MutationID{ClientID: m.ClientID, ID: m.ID}
	}
	details, _ := json.Marshal(struct {
		MutationIDs []wire.MutationID `json:"mutationIDs"`
	}{ids})
	err := serrors.PushFailed("userPushURL not permitted by allow-list").WithDetails(details)
	s.cfg.Dispatcher.PushError(t.ClientID, err)
}

type combined struct {
	jwt           string
	schemaVersion string
	pushVersion   int
	mutations     []wire.Mutation
}

// forwardGroup combines every task routed to target into one PushBody,
// issues the POST, and fans the response back out per client.
func (s *Service) forwardGroup(target string, tasks []Task) {
	byClient := map[string]*combined{}
	var clientOrder []string
	for _, t := range tasks {
		c, ok := byClient[t.ClientID]
		if !ok {
			c = &combined{jwt: t.JWT, schemaVersion: t.SchemaVersion, pushVersion: t.PushVersion}
			byClient[t.ClientID] = c
			clientOrder = append(clientOrder, t.ClientID)
			continue
		}
		if c.jwt != t.JWT || c.schemaVersion != t.SchemaVersion || c.pushVersion != t.PushVersion {
			s.logger().Errorw("combined push invariant violated",
				"clientID", t.ClientID, "clientGroupID", s.cfg.ClientGroupID)
		}
	}
	for _, t := range tasks {
		byClient[t.ClientID].mutations = append(byClient[t.ClientID].mutations, t.Mutations...)
	}

	body := wire.PushBody{
		ClientGroupID: s.cfg.ClientGroupID,
		RequestID:     uuid.NewString(),
	}
	if len(clientOrder) > 0 {
		first := byClient[clientOrder[0]]
		body.SchemaVersion = first.schemaVersion
		body.PushVersion = first.pushVersion
	}
	for _, cid := range clientOrder {
		body.Mutations = append(body.Mutations, byClient[cid].mutations...)
	}

	jwt := ""
	if len(clientOrder) > 0 {
		jwt = byClient[clientOrder[0]].jwt
	}

	resp, status, err := s.doPush(context.Background(), target, body, jwt)
	s.deliver(clientOrder, resp, status, err)
}

func (s *Service) doPush(ctx context.Context, target string, body wire.PushBody, jwt string) (*wire.PushResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, serrors.Wrap(err, "encode push body")
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, 0, serrors.Wrap(err, "parse push URL")
	}
	q := u.Query()
	q.Set("schema", s.cfg.Schema)
	q.Set("appID", s.cfg.AppID)
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, serrors.Wrap(err, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", s.cfg.APIKey)
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	if s.cfg.ForwardCookie && s.cfg.Cookie != "" {
		req.Header.Set("Cookie", s.cfg.Cookie)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, serrors.Wrap(err, "push request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, serrors.Wrap(err, "read push response")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, serrors.Newf("push endpoint returned status %d", resp.StatusCode)
	}

	var parsed wire.PushResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, resp.StatusCode, serrors.Wrap(err, "decode push response")
		}
	}
	return &parsed, resp.StatusCode, nil
}

// deliver fans a push outcome back out per client, per spec.md §4.6's
// response fan-out rules.
func (s *Service) deliver(clientOrder []string, resp *wire.PushResponse, status int, forwardErr error) {
	if status == http.StatusUnauthorized {
		for _, cid := range clientOrder {
			s.cfg.Dispatcher.Fail(cid, serrors.AuthInvalidated("push endpoint rejected credentials"))
		}
		return
	}
	if forwardErr != nil {
		for _, cid := range clientOrder {
			s.cfg.Dispatcher.PushError(cid, serrors.PushFailed(forwardErr.Error()))
		}
		return
	}
	if resp == nil {
		return
	}

	if resp.Error != "" {
		switch resp.Error {
		case "unsupportedPushVersion", "unsupportedSchemaVersion":
			for _, cid := range clientOrder {
				s.cfg.Dispatcher.Fail(cid, serrors.InvalidPush(resp.Error))
			}
		default:
			if resp.ForClient != "" {
				for _, cid := range clientOrder {
					s.cfg.Dispatcher.Fail(cid, serrors.NewProtocolError(serrors.KindInternal, serrors.OriginServer, resp.Error).WithDetails(resp.Details))
				}
			} else {
				for _, cid := range clientOrder {
					s.cfg.Dispatcher.PushError(cid, serrors.PushFailed(resp.Error).WithDetails(resp.Details))
				}
			}
		}
		return
	}

	byClient := map[string][]wire.MutationOutcome{}
	for _, outcome := range resp.Mutations {
		byClient[outcome.ID.ClientID] = append(byClient[outcome.ID.ClientID], outcome)
	}
	for _, cid := range clientOrder {
		outcomes := byClient[cid]
		oooIdx := -1
		for i, o := range outcomes {
			if o.Result.Error == "oooMutation" {
				oooIdx = i
				break
			}
		}
		if oooIdx < 0 {
			if len(outcomes) > 0 {
				s.cfg.Dispatcher.PushResult(cid, outcomes)
			}
			continue
		}
		if oooIdx > 0 {
			s.cfg.Dispatcher.PushResult(cid, outcomes[:oooIdx])
		}
		s.cfg.Dispatcher.Fail(cid, serrors.InvalidPush("mutation was out of order"))
		if dropped := len(outcomes) - oooIdx - 1; dropped > 0 {
			s.logger().Warnw("mutations after fatal push error dropped",
				"clientID", cid, "clientGroupID", s.cfg.ClientGroupID, "dropped", dropped)
		}
	}
}

func (s *Service) logger() *zap.SugaredLogger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return zap.NewNop().Sugar()
}
