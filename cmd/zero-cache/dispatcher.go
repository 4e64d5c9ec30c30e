package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerocache/sync-engine/internal/handoff"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "accept WebSocket upgrades and hand them off to a syncer worker",
	Long: `The dispatcher is the single process that binds the public address.
It never completes a WebSocket upgrade itself in the success path:
every accepted connection is captured (request + any buffered bytes)
and handed off, raw socket and all, to one of the configured syncer
workers over a Unix control socket (spec.md §4.8). If no worker is
reachable, the dispatcher falls back to completing the upgrade itself
and closing immediately with protocol-error code 1002.`,
	RunE: runDispatcher,
}

// dispatcher round-robins handoff across a fixed worker pool, dialing
// each worker's control socket fresh per connection; grounded on
// server/server.go's register/unregister hub generalized from holding
// live client connections to holding (very short-lived) control-socket
// dials, since the dispatcher itself never keeps a WebSocket open.
type dispatcher struct {
	controlDir string
	workers    int
	next       uint64
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(flagCtrlDir, 0o700); err != nil {
		return err
	}
	d := &dispatcher{controlDir: flagCtrlDir, workers: flagWorkers}

	srv := &http.Server{
		Addr:    flagAddr,
		Handler: d,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("dispatcher listening", "addr", flagAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Infow("dispatcher draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler. Any request reaching the
// dispatcher is assumed to be a WebSocket upgrade attempt: no upgrade
// headers are checked here, and every request is handed to a syncer
// worker, since health/metrics endpoints are an out-of-scope external
// collaborator (spec.md §1).
//
// The worker dial happens before the socket is hijacked, so the
// fallback path (spec.md §4.8) can still call handoff.FailUpgrade
// against the untouched http.ResponseWriter/*http.Request pair.
func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctrl, err := d.dialNextWorker()
	if err != nil {
		logger.Warnw("no syncer worker reachable, failing upgrade", "error", err)
		if ferr := handoff.FailUpgrade(w, r, "no syncer worker reachable"); ferr != nil {
			logger.Warnw("fallback upgrade failed", "error", ferr)
		}
		return
	}
	defer ctrl.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		if ferr := handoff.FailUpgrade(w, r, "server cannot hijack connection"); ferr != nil {
			logger.Warnw("fallback upgrade failed", "error", ferr)
		}
		return
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		logger.Warnw("hijack failed", "error", err)
		return
	}
	defer conn.Close()

	var head []byte
	if n := rw.Reader.Buffered(); n > 0 {
		head, _ = rw.Reader.Peek(n)
	}

	tcpConn, ok := conn.(syscall.Conn)
	if !ok {
		logger.Warnw("hijacked conn does not expose a raw fd")
		return
	}

	env := handoff.Envelope{
		Message: handoff.FromHTTPRequest(r),
		Head:    head,
	}
	if err := handoff.SendConn(ctrl, tcpConn, env); err != nil {
		logger.Warnw("send handed-off conn failed", "error", err)
	}
}

// dialNextWorker dials the control socket of the next syncer worker in
// round-robin order.
func (d *dispatcher) dialNextWorker() (*net.UnixConn, error) {
	idx := int(atomic.AddUint64(&d.next, 1) % uint64(d.workers))
	path := syncerSocketPath(d.controlDir, idx)
	return net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
}
