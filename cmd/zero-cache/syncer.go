package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/zerocache/sync-engine/internal/allowlist"
	"github.com/zerocache/sync-engine/internal/auth"
	"github.com/zerocache/sync-engine/internal/connection"
	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/handoff"
	"github.com/zerocache/sync-engine/internal/pusher"
	"github.com/zerocache/sync-engine/internal/ratelimit"
	"github.com/zerocache/sync-engine/internal/version"
)

var (
	flagPushURL      string
	flagSchema       string
	flagAppID        string
	flagPushAllow    []string
	flagProtocolMin  string
	flagProtocolMax  string
	flagRateLimit    float64
	flagRateBurst    int
	flagWarm         bool
	flagWarmInterval time.Duration
)

var syncerWorkerCmd = &cobra.Command{
	Use:   "syncer-worker",
	Short: "accept handed-off sockets and drive per-client sync connections",
	Long: `A syncer worker listens on its own Unix control socket for sockets
handed off by the dispatcher (spec.md §4.8), completes the WebSocket
upgrade itself, and drives the resulting Connection state machine
(spec.md §4.10) — handshake, auth, message dispatch, and the downstream
pump — for as long as the socket stays open.`,
	RunE: runSyncerWorker,
}

func init() {
	syncerWorkerCmd.Flags().StringVar(&flagPushURL, "push-url", "", "default custom-mutation push endpoint")
	syncerWorkerCmd.Flags().StringVar(&flagSchema, "schema", "public", "upstream schema name appended to push/transform URLs")
	syncerWorkerCmd.Flags().StringVar(&flagAppID, "app-id", "zero", "application id appended to push/transform URLs")
	syncerWorkerCmd.Flags().StringSliceVar(&flagPushAllow, "push-allow", nil, "allow-listed per-client push URL patterns (literal or /regex/)")
	syncerWorkerCmd.Flags().StringVar(&flagProtocolMin, "protocol-min", "1.0.0", "minimum supported client protocol version")
	syncerWorkerCmd.Flags().StringVar(&flagProtocolMax, "protocol-max", "1.0.0", "maximum supported client protocol version")
	syncerWorkerCmd.Flags().Float64Var(&flagRateLimit, "mutation-rate", 0, "sustained mutations/sec allowed per client (0 disables limiting)")
	syncerWorkerCmd.Flags().IntVar(&flagRateBurst, "mutation-burst", 20, "mutation burst size per client")
	syncerWorkerCmd.Flags().BoolVar(&flagWarm, "warm", false, "send periodic warm padding frames (spec.md §9 optional feature)")
	syncerWorkerCmd.Flags().DurationVar(&flagWarmInterval, "warm-interval", 20*time.Second, "warm frame interval when --warm is set")
}

// workerIndex reads the 0-based index internal/procman assigned this
// process via ZERO_CACHE_WORKER_INDEX.
func workerIndex() int {
	v := os.Getenv("ZERO_CACHE_WORKER_INDEX")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// notImplementedViewSyncer stands in for the IVM query-pipeline
// hydrator, named out of scope by spec.md §1: a real deployment
// injects a ViewSyncer backed by that collaborator.
type notImplementedViewSyncer struct{}

func (notImplementedViewSyncer) InitConnection(ctx context.Context, p connection.Params) (connection.DownstreamSource, error) {
	return nil, serrors.New("syncer: view-syncer not wired (out of scope of this build)")
}

func (notImplementedViewSyncer) ChangeDesiredQueries(ctx context.Context, clientGroupID, clientID string, patch json.RawMessage) error {
	return serrors.New("syncer: view-syncer not wired (out of scope of this build)")
}

func (notImplementedViewSyncer) DeleteClients(ctx context.Context, clientGroupID string, clientIDs []string) error {
	return serrors.New("syncer: view-syncer not wired (out of scope of this build)")
}

// groupRegistry lazily creates and ref-counts the ClientGroup for each
// clientGroupID this worker is currently serving connections for, per
// spec.md §3's "created on first initConnection, destroyed when last
// refcount drops" lifecycle.
type groupRegistry struct {
	mu     sync.Mutex
	groups map[string]*groupEntry
	allow  *allowlist.Matcher
}

type groupEntry struct {
	group *connection.ClientGroup
	refs  int
}

func newGroupRegistry(allow *allowlist.Matcher) *groupRegistry {
	return &groupRegistry{groups: make(map[string]*groupEntry), allow: allow}
}

func (r *groupRegistry) acquire(id string) *connection.ClientGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.groups[id]
	if !ok {
		session := auth.New(nil)
		cfg := pusher.Config{
			DefaultPushURL: flagPushURL,
			Schema:         flagSchema,
			AppID:          flagAppID,
			Allow:          r.allow,
		}
		e = &groupEntry{group: connection.NewClientGroup(id, session, cfg, logger)}
		r.groups[id] = e
	}
	e.refs++
	return e.group
}

func (r *groupRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.groups[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.groups, id)
	}
}

func runSyncerWorker(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(flagCtrlDir, 0o700); err != nil {
		return err
	}
	path := syncerSocketPath(flagCtrlDir, workerIndex())
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return err
	}
	defer ln.Close()

	bounds, err := version.NewBounds(flagProtocolMin, flagProtocolMax)
	if err != nil {
		return err
	}
	allow, err := allowlist.Compile(flagPushAllow)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{RatePerSecond: flagRateLimit, Burst: flagRateBurst})
	groups := newGroupRegistry(allow)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("syncer worker listening", "control_socket", path, "index", workerIndex())

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	go func() {
		for {
			uc, err := ln.AcceptUnix()
			if err != nil {
				acceptErr <- err
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handleHandoff(ctx, uc, bounds, limiter, groups)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infow("syncer worker draining")
		ln.Close()
		wg.Wait()
		return nil
	case err := <-acceptErr:
		return err
	}
}

// handleHandoff receives one handed-off socket, completes the WebSocket
// upgrade over it, and runs the resulting Connection to completion.
func handleHandoff(ctx context.Context, ctrl *net.UnixConn, bounds version.Bounds, limiter *ratelimit.Limiter, groups *groupRegistry) {
	defer ctrl.Close()

	conn, env, err := handoff.RecvConn(ctrl)
	if err != nil {
		logger.Warnw("recv handed-off conn failed", "error", err)
		return
	}

	req, err := env.Message.ToHTTPRequest(env.Head)
	if err != nil {
		logger.Warnw("rebuild handed-off request failed", "error", err)
		conn.Close()
		return
	}

	params, err := parseParams(req)
	if err != nil {
		logger.Warnw("invalid connect params", "error", err)
		conn.Close()
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	wsConn, err := upgrader.Upgrade(fakeResponseWriter{conn}, req, nil)
	if err != nil {
		logger.Warnw("upgrade failed", "error", err)
		conn.Close()
		return
	}

	group := groups.acquire(params.ClientGroupID)
	defer groups.release(params.ClientGroupID)

	var closeOnce sync.Once
	c := connection.New(params, wsConn, connection.Config{
		Versions:    bounds,
		ViewSyncer:  notImplementedViewSyncer{},
		Auth:        group.Auth,
		Pusher:      group.Pusher,
		Limiter:     limiter,
		Logger:      logger,
		WarmEnabled: flagWarm,
		WarmEvery:   flagWarmInterval,
		OnClose: func(c *connection.Connection) {
			closeOnce.Do(func() {
				group.Unregister(c)
				limiter.Forget(params.ClientGroupID, params.ClientID)
			})
		},
	})
	group.Register(c)

	if err := c.Init(ctx); err != nil {
		logger.Warnw("connection init failed", "error", err)
		return
	}
	c.Run(ctx)
}

// parseParams extracts the WebSocket connect-URL parameters of spec.md
// §6 from the reconstructed upgrade request.
func parseParams(r *http.Request) (connection.Params, error) {
	q := r.URL.Query()
	required := func(name string) (string, error) {
		v := q.Get(name)
		if v == "" {
			return "", serrors.Newf("missing required query parameter %q", name)
		}
		return v, nil
	}

	clientID, err := required("clientID")
	if err != nil {
		return connection.Params{}, err
	}
	clientGroupID, err := required("clientGroupID")
	if err != nil {
		return connection.Params{}, err
	}
	ts, err := required("ts")
	if err != nil {
		return connection.Params{}, err
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return connection.Params{}, serrors.Wrap(err, "invalid ts parameter")
	}
	lmid, err := required("lmid")
	if err != nil {
		return connection.Params{}, err
	}
	lmidInt, err := strconv.ParseInt(lmid, 10, 64)
	if err != nil {
		return connection.Params{}, serrors.Wrap(err, "invalid lmid parameter")
	}

	subprotocol := r.Header.Get("Sec-WebSocket-Protocol")
	authToken, initMsg := splitSubprotocol(subprotocol)

	return connection.Params{
		ClientID:              clientID,
		ClientGroupID:         clientGroupID,
		WSID:                  q.Get("wsid"),
		Timestamp:             tsInt,
		LastMutationID:        lmidInt,
		SchemaVersion:         q.Get("schemaVersion"),
		BaseCookie:            q.Get("baseCookie"),
		UserID:                q.Get("userID"),
		AuthToken:             authToken,
		ProtocolVersion:       q.Get("protocolVersion"),
		DebugPerf:             q.Get("debugPerf") == "true",
		InitConnectionMessage: initMsg,
	}, nil
}

// splitSubprotocol pulls the packed init-connection message and auth
// token out of the WebSocket subprotocol header, per spec.md §6: a
// comma-separated list whose entries are "initConnection.<base64url
// json>" and "auth.<token>".
func splitSubprotocol(header string) (authToken string, initMsg json.RawMessage) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "auth."):
			authToken = strings.TrimPrefix(part, "auth.")
		case strings.HasPrefix(part, "initConnection."):
			encoded := strings.TrimRight(strings.TrimPrefix(part, "initConnection."), "=")
			if decoded, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
				initMsg = json.RawMessage(decoded)
			}
		}
	}
	return authToken, initMsg
}

// fakeResponseWriter adapts an already-hijacked net.Conn back into an
// http.ResponseWriter+Hijacker pair so gorilla/websocket's Upgrader can
// complete the handshake over a socket that arrived via handoff rather
// than a live *http.Request/ResponseWriter pair.
type fakeResponseWriter struct {
	conn net.Conn
}

func (w fakeResponseWriter) Header() http.Header { return http.Header{} }
func (w fakeResponseWriter) Write(b []byte) (int, error) {
	return w.conn.Write(b)
}
func (w fakeResponseWriter) WriteHeader(int) {}

func (w fakeResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}
