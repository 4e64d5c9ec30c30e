package pusher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocache/sync-engine/internal/allowlist"
	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/wire"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string][]wire.MutationOutcome
	errs    map[string][]*serrors.ProtocolError
	fails   map[string]*serrors.ProtocolError
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		results: map[string][]wire.MutationOutcome{},
		errs:    map[string][]*serrors.ProtocolError{},
		fails:   map[string]*serrors.ProtocolError{},
	}
}

func (f *fakeDispatcher) PushResult(clientID string, outcomes []wire.MutationOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[clientID] = append(f.results[clientID], outcomes...)
}

func (f *fakeDispatcher) PushError(clientID string, err *serrors.ProtocolError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[clientID] = append(f.errs[clientID], err)
}

func (f *fakeDispatcher) Fail(clientID string, err *serrors.ProtocolError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[clientID] = err
}

func testClient(server *httptest.Server) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = server.Client()
	c.Logger = nil
	c.RetryMax = 0
	return c
}

func waitForQueueDrain(s *Service) {
	for i := 0; i < 200; i++ {
		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForwardsSuccessfulPushAndDeliversPerClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "myschema", r.URL.Query().Get("schema"))

		var body wire.PushBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		resp := wire.PushResponse{}
		for _, m := range body.Mutations {
			resp.Mutations = append(resp.Mutations, wire.MutationOutcome{
				ID: wire.MutationID{ClientID: m.ClientID, ID: m.ID},
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Schema:         "myschema",
		AppID:          "app1",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	s.Enqueue(Task{
		ClientID: "c1", JWT: "tok", SchemaVersion: "1", PushVersion: 1,
		Mutations: []wire.Mutation{{ClientID: "c1", ID: 1, Name: "m1"}},
	})
	waitForQueueDrain(s)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Len(t, disp.results["c1"], 1)
	assert.Equal(t, int64(1), disp.results["c1"][0].ID.ID)
}

func TestCombinesConsecutiveTasksForSameClient(t *testing.T) {
	var seenMutationCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body wire.PushBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seenMutationCount = len(body.Mutations)
		json.NewEncoder(w).Encode(wire.PushResponse{})
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	// Enqueue twice before the worker can wake, so both land in one batch.
	s.mu.Lock()
	s.queue = append(s.queue,
		entry{task: Task{ClientID: "c1", Mutations: []wire.Mutation{{ClientID: "c1", ID: 1}}}},
		entry{task: Task{ClientID: "c1", Mutations: []wire.Mutation{{ClientID: "c1", ID: 2}}}},
	)
	s.cond.Signal()
	s.mu.Unlock()

	waitForQueueDrain(s)
	assert.Equal(t, 2, seenMutationCount)
}

func TestNonOKResponseDoesNotTerminateConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	s.Enqueue(Task{ClientID: "c1", Mutations: []wire.Mutation{{ClientID: "c1", ID: 1}}})
	waitForQueueDrain(s)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Len(t, disp.errs["c1"], 1)
	assert.Equal(t, serrors.KindPushFailed, disp.errs["c1"][0].Body.Kind)
	assert.Empty(t, disp.fails)
}

func TestUnauthorizedTerminatesConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	s.Enqueue(Task{ClientID: "c1", Mutations: []wire.Mutation{{ClientID: "c1", ID: 1}}})
	waitForQueueDrain(s)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Contains(t, disp.fails, "c1")
	assert.Equal(t, serrors.KindAuthInvalidated, disp.fails["c1"].Body.Kind)
}

func TestOutOfOrderMutationStreamsPrefixThenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := wire.PushResponse{Mutations: []wire.MutationOutcome{
			{ID: wire.MutationID{ClientID: "c1", ID: 1}},
			{ID: wire.MutationID{ClientID: "c1", ID: 2}, Result: wire.MutationResult{Error: "oooMutation"}},
			{ID: wire.MutationID{ClientID: "c1", ID: 3}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	s.Enqueue(Task{ClientID: "c1", Mutations: []wire.Mutation{
		{ClientID: "c1", ID: 1}, {ClientID: "c1", ID: 2}, {ClientID: "c1", ID: 3},
	}})
	waitForQueueDrain(s)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Len(t, disp.results["c1"], 1)
	assert.Equal(t, int64(1), disp.results["c1"][0].ID.ID)
	require.Contains(t, disp.fails, "c1")
	assert.Equal(t, serrors.KindInvalidPush, disp.fails["c1"].Body.Kind)
}

func TestCustomURLOutsideAllowlistFailsWithMutationIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should never reach the endpoint")
	}))
	defer server.Close()

	allow, err := allowlist.Compile([]string{server.URL + "/allowed"})
	require.NoError(t, err)

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Allow:          allow,
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	defer s.Unref()
	s.Ref()

	s.Enqueue(Task{
		ClientID: "c1", UserPushURL: server.URL + "/not-allowed",
		Mutations: []wire.Mutation{{ClientID: "c1", ID: 1}},
	})
	waitForQueueDrain(s)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Len(t, disp.errs["c1"], 1)
	assert.Equal(t, serrors.KindPushFailed, disp.errs["c1"][0].Body.Kind)
	assert.NotEmpty(t, disp.errs["c1"][0].Body.Details)
}

func TestUnrefToZeroStopsWorker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.PushResponse{})
	}))
	defer server.Close()

	disp := newFakeDispatcher()
	s := New(Config{
		ClientGroupID:  "cg1",
		DefaultPushURL: server.URL + "/push",
		Dispatcher:     disp,
		HTTPClient:     testClient(server),
	})
	s.Ref()
	s.Unref()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after ref count reached zero")
	}
}
