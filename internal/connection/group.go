// ClientGroup owns the per-client-group collaborators spec.md §3's data
// model groups together: one AuthSession, one ref-counted
// pusher.Service, and the registry of live Connections that service's
// responses must be routed back to. Grounded on server/server.go's hub
// (a registry keyed by client ID, mutex-guarded, with register/
// unregister methods) generalized from "one global hub" to "one hub
// per client group" since spec.md §3 scopes auth and the pusher to the
// client group, not the process.
package connection

import (
	"sync"

	"go.uber.org/zap"

	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/pusher"
	"github.com/zerocache/sync-engine/internal/wire"
)

// ClientGroup implements pusher.ClientDispatcher by fanning push
// outcomes out to whichever registered Connection owns clientID.
type ClientGroup struct {
	ID     string
	Auth   AuthUpdater
	Pusher *pusher.Service
	Logger *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewClientGroup constructs a ClientGroup and its pusher.Service,
// wiring the group itself as the pusher's ClientDispatcher.
func NewClientGroup(id string, auth AuthUpdater, pusherCfg pusher.Config, logger *zap.SugaredLogger) *ClientGroup {
	g := &ClientGroup{
		ID:     id,
		Auth:   auth,
		Logger: logger,
		conns:  make(map[string]*Connection),
	}
	pusherCfg.ClientGroupID = id
	pusherCfg.Dispatcher = g
	pusherCfg.Logger = logger
	g.Pusher = pusher.New(pusherCfg)
	return g
}

// Register adds a Connection to the group, ref-counting the pusher
// service so it keeps running while at least one connection is live,
// per spec.md §4.6's "ref-counted per client group" lifecycle.
func (g *ClientGroup) Register(c *Connection) {
	g.mu.Lock()
	g.conns[c.params.ClientID] = c
	g.mu.Unlock()
	g.Pusher.Ref()
}

// Unregister removes a Connection and drops the pusher's ref; the last
// unregister stops the pusher service.
func (g *ClientGroup) Unregister(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.params.ClientID)
	empty := len(g.conns) == 0
	g.mu.Unlock()
	g.Pusher.Unref()
	if empty && g.Logger != nil {
		g.Logger.Infow("client group emptied", "client_group_id", g.ID)
	}
}

func (g *ClientGroup) lookup(clientID string) *Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[clientID]
}

// PushResult implements pusher.ClientDispatcher.
func (g *ClientGroup) PushResult(clientID string, outcomes []wire.MutationOutcome) {
	if c := g.lookup(clientID); c != nil {
		c.PushResult(clientID, outcomes)
	}
}

// PushError implements pusher.ClientDispatcher.
func (g *ClientGroup) PushError(clientID string, err *serrors.ProtocolError) {
	if c := g.lookup(clientID); c != nil {
		c.PushError(clientID, err)
	}
}

// Fail implements pusher.ClientDispatcher: terminate the one
// connection this error targets, not the whole group — a single
// client's malformed push shouldn't take down its siblings.
func (g *ClientGroup) Fail(clientID string, err *serrors.ProtocolError) {
	if c := g.lookup(clientID); c != nil {
		c.Fail(clientID, err)
	}
}
