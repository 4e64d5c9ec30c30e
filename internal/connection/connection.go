// Package connection implements the per-socket Connection state
// machine of spec.md §4.10: handshake, auth, protocol-version check,
// upstream message dispatch, and the downstream pump. Grounded on
// server/client.go's readPump/writePump pair (gorilla/websocket
// SetReadDeadline/PongHandler/WriteControl conventions) generalized
// from the teacher's single fixed message-type switch to the kind
// dispatch spec.md §4.10 names, and on server/server.go's
// register/unregister hub for the per-client-group dispatcher
// (group.go in this package).
package connection

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/logging"
	"github.com/zerocache/sync-engine/internal/pusher"
	"github.com/zerocache/sync-engine/internal/ratelimit"
	"github.com/zerocache/sync-engine/internal/version"
	"github.com/zerocache/sync-engine/internal/wire"
)

// State is one of the five lifecycle states spec.md §4.10 names.
type State int

const (
	StateNew State = iota
	StateAwaitingInit
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingInit:
		return "awaiting-init"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSConn is the subset of *websocket.Conn this package needs; tests
// substitute an in-memory fake, the way sync.Conn fakes a WebSocket in
// the teacher's sync/peer.go tests.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(time.Time) error
	SetReadLimit(int64)
	SetPongHandler(func(string) error)
	Close() error
}

// Params are the parsed WebSocket connect-URL parameters plus
// subprotocol-carried auth, per spec.md §6.
type Params struct {
	ClientID              string
	ClientGroupID         string
	WSID                  string
	Timestamp             int64
	LastMutationID        int64
	SchemaVersion         string
	BaseCookie            string
	UserID                string
	AuthToken             string
	ProtocolVersion       string
	DebugPerf             bool
	InitConnectionMessage json.RawMessage
}

// DownstreamSource is the lazy sequence of client-bound messages the
// outer view-syncer returns from InitConnection; Connection pumps it
// to the socket until exhausted or errored.
type DownstreamSource interface {
	Next(ctx context.Context) (wire.ClientMessage, error)
	Close()
}

// ViewSyncer is the out-of-scope collaborator (spec.md §1 excludes its
// internals) Connection forwards sync-protocol messages to.
type ViewSyncer interface {
	InitConnection(ctx context.Context, p Params) (DownstreamSource, error)
	ChangeDesiredQueries(ctx context.Context, clientGroupID, clientID string, patch json.RawMessage) error
	DeleteClients(ctx context.Context, clientGroupID string, clientIDs []string) error
}

// AuthUpdater is the subset of internal/auth.Session Connection drives
// at handshake time.
type AuthUpdater interface {
	Update(ctx context.Context, userID, wireAuth string) error
}

// Config configures a Connection.
type Config struct {
	Versions    version.Bounds
	ViewSyncer  ViewSyncer
	Auth        AuthUpdater
	Pusher      *pusher.Service
	Limiter     *ratelimit.Limiter
	Logger      *zap.SugaredLogger
	WarmEnabled bool
	WarmEvery   time.Duration
	// OnClose is invoked exactly once, after the downstream source (if
	// any) has been canceled and before the socket is closed.
	OnClose func(*Connection)
}

// Connection is the per-WebSocket state machine of spec.md §4.10.
type Connection struct {
	params Params
	cfg    Config
	conn   WSConn

	mu     sync.Mutex
	state  State
	closed bool
	cause  error
	down   DownstreamSource
	cancel context.CancelFunc
	pushMu sync.Mutex

	// writeMu serializes writes to conn: Run's read loop (ping/pong,
	// error replies), the downstream pump goroutine spawned by
	// handleInitConnection, pusher.ClientDispatcher callbacks, and
	// warmLoop all write concurrently once a connection is active.
	writeMu sync.Mutex
}

// New constructs a Connection in StateNew and installs read-deadline
// bookkeeping on conn, mirroring server/client.go's readPump setup.
func New(params Params, conn WSConn, cfg Config) *Connection {
	c := &Connection{params: params, cfg: cfg, conn: conn, state: StateNew}
	conn.SetReadLimit(10 * 1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) logger() *zap.SugaredLogger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return logging.Nop()
}

// Init performs the handshake of spec.md §4.10: protocol-version
// bounds check, then auth binding, then the `connected` reply.
func (c *Connection) Init(ctx context.Context) error {
	c.setState(StateAwaitingInit)

	if !c.cfg.Versions.Supports(c.params.ProtocolVersion) {
		err := serrors.NewProtocolError(serrors.KindVersionNotSupported, serrors.OriginZeroCache,
			"protocol version not supported")
		c.closeWithThrown(ctx, err)
		return err
	}

	if c.cfg.Auth != nil {
		if err := c.cfg.Auth.Update(ctx, c.params.UserID, c.params.AuthToken); err != nil {
			c.closeWithThrown(ctx, err)
			return err
		}
	}

	body := wire.ConnectedBody{WSID: c.params.WSID, Timestamp: time.Now().UnixMilli()}
	if err := c.send(wire.DownKindConnected, body); err != nil {
		return err
	}

	c.setState(StateActive)
	if c.cfg.WarmEnabled {
		go c.warmLoop()
	}
	return nil
}

// Run drives the read loop until the socket closes or a fatal error
// occurs. Callers run it in its own goroutine per connection.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close(nil)
			return
		}
		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.closeWithThrown(ctx, serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "malformed message"))
			return
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.closeWithThrown(ctx, err)
			return
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, msg wire.ClientMessage) error {
	switch msg.Kind {
	case wire.UpKindPing:
		return c.send(wire.DownKindPong, struct{}{})

	case wire.UpKindPush:
		var body wire.PushMessageBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "malformed push")
		}
		if body.ClientGroupID != c.params.ClientGroupID {
			return serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "clientGroupID mismatch")
		}
		c.handlePush(ctx, body)
		return nil

	case wire.UpKindChangeDesiredQueries:
		var body wire.ChangeDesiredQueriesBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "malformed changeDesiredQueries")
		}
		return c.cfg.ViewSyncer.ChangeDesiredQueries(ctx, c.params.ClientGroupID, c.params.ClientID, body.DesiredQueriesPatch)

	case wire.UpKindDeleteClients:
		var body wire.DeleteClientsBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "malformed deleteClients")
		}
		return c.cfg.ViewSyncer.DeleteClients(ctx, c.params.ClientGroupID, body.ClientIDs)

	case wire.UpKindInitConnection:
		return c.handleInitConnection(ctx, msg.Body)

	case wire.UpKindInspect:
		// Inspector access is gated upstream of Connection (see
		// internal/inspector); Connection only forwards the raw
		// request, which has no further wire shape in this spec.
		return nil

	default:
		return serrors.NewProtocolError(serrors.KindInvalidMessage, serrors.OriginZeroCache, "unknown message kind: "+msg.Kind)
	}
}

// handlePush holds the per-connection mutex while sequentially
// dispatching each mutation, per spec.md §4.10's "hold a per-connection
// mutex while sequentially dispatching each mutation to the Mutagen
// (or Pusher)".
func (c *Connection) handlePush(ctx context.Context, body wire.PushMessageBody) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	var accepted []wire.Mutation
	for _, m := range body.Mutations {
		if c.cfg.Limiter != nil && !c.cfg.Limiter.Allow(c.params.ClientGroupID, m.ClientID) {
			_ = c.send(wire.DownKindError, serrors.NewProtocolError(
				serrors.KindMutationRateLimited, serrors.OriginZeroCache, "mutation rate limit exceeded").Body)
			continue
		}
		accepted = append(accepted, m)
	}
	if len(accepted) == 0 || c.cfg.Pusher == nil {
		return
	}
	c.cfg.Pusher.Enqueue(pusher.Task{
		ClientID:      c.params.ClientID,
		JWT:           c.params.AuthToken,
		SchemaVersion: body.SchemaVersion,
		PushVersion:   body.PushVersion,
		Mutations:     accepted,
	})
}

func (c *Connection) handleInitConnection(ctx context.Context, raw json.RawMessage) error {
	p := c.params
	p.InitConnectionMessage = raw
	source, err := c.cfg.ViewSyncer.InitConnection(ctx, p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.down = source
	c.mu.Unlock()

	// The downstream pump runs on its own goroutine so Run's read loop
	// stays free to dispatch subsequent upstream messages (ping, push,
	// changeDesiredQueries, deleteClients) for the life of the
	// connection, mirroring the teacher's separate readPump/writePump
	// goroutines rather than blocking the reader on the writer.
	go c.pumpDownstream(ctx, source)
	return nil
}

// pumpDownstream writes every message the downstream source yields to
// the socket until it's exhausted or errors, then closes the
// connection. Writes are serialized through writeRaw's writeMu since
// Run's read loop, pusher.ClientDispatcher callbacks, and warmLoop all
// write to the same socket concurrently.
func (c *Connection) pumpDownstream(ctx context.Context, source DownstreamSource) {
	for {
		msg, err := source.Next(ctx)
		if err != nil {
			c.Close(err)
			return
		}
		if err := c.writeRaw(msg); err != nil {
			c.Close(err)
			return
		}
	}
}

// PushResult implements pusher.ClientDispatcher: stream a successful
// (possibly partial) prefix of mutation outcomes.
func (c *Connection) PushResult(clientID string, outcomes []wire.MutationOutcome) {
	_ = c.send(wire.DownKindPushResponse, wire.PushResponseBody{Mutations: outcomes})
}

// PushError implements pusher.ClientDispatcher: a non-fatal error,
// connection stays open.
func (c *Connection) PushError(clientID string, err *serrors.ProtocolError) {
	_ = c.send(wire.DownKindError, err.Body)
}

// Fail implements pusher.ClientDispatcher: terminate the connection.
func (c *Connection) Fail(clientID string, err *serrors.ProtocolError) {
	c.closeWithThrown(context.Background(), err)
}

func (c *Connection) send(kind string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return serrors.Wrap(err, "connection: encode downstream body")
	}
	return c.writeRaw(wire.ClientMessage{Kind: kind, Body: raw})
}

func (c *Connection) writeRaw(msg wire.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return serrors.Wrap(err, "connection: encode downstream message")
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return serrors.Wrap(err, "connection: write downstream message")
	}
	return nil
}

// closeWithThrown implements spec.md §4.10's closeWithThrown: if err
// carries an ErrorBody, use it; otherwise wrap as Internal. The level
// is whatever the error reports via internal/errors.LevelOf.
func (c *Connection) closeWithThrown(ctx context.Context, err error) {
	body := serrors.BodyOf(err)
	logging.AtLevel(c.logger(), "connection closing on error",
		err, logging.FieldClientGroupID, c.params.ClientGroupID, logging.FieldClientID, c.params.ClientID)
	_ = c.send(wire.DownKindError, body)
	c.Close(err)
}

// Close is idempotent: it cancels the downstream stream, invokes
// OnClose, and closes the socket if not already closed.
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	c.state = StateClosed
	down := c.down
	cancel := c.cancel
	c.mu.Unlock()

	if down != nil {
		down.Close()
	}
	if cancel != nil {
		cancel()
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c)
	}
	_ = c.conn.Close()
}

// Cause returns the error Close was invoked with, if any.
func (c *Connection) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// warmLoop sends periodic `warm` padding frames, per spec.md §9's
// optional, config-gated warm-connection feature.
func (c *Connection) warmLoop() {
	interval := c.cfg.WarmEvery
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if c.State() != StateActive {
			return
		}
		if err := c.send(wire.DownKindWarm, wire.WarmBody{Padding: randomPadding()}); err != nil {
			return
		}
	}
}

func randomPadding() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	n := 8 + rand.Intn(24)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
