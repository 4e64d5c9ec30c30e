// Package handoff implements the inter-worker socket transfer of
// spec.md §4.8: the dispatcher process accepts the public WebSocket
// upgrade, selects a target worker, and hands the raw TCP socket plus
// a small structured payload ({message, head, payload}) across a Unix
// domain control socket so the worker can complete the upgrade
// itself. Grounded on the teacher's server/client.go connection
// bring-up (the shape of what a completed upgrade needs: the request,
// buffered bytes, routing context) generalized from "upgrade in this
// process" to "serialize enough to upgrade in another process".
//
// File-descriptor passing between processes has no idiomatic
// ecosystem library in this pack (it's a narrow POSIX primitive, not
// a product concern any example repo's domain touches), so this
// package uses the standard library's syscall.UnixRights ancillary
// data support directly rather than reaching for a third-party dep
// that would just wrap the same two syscalls.
package handoff

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
)

// Request is the serializable subset of an *http.Request the dispatcher
// forwards: enough to reconstruct an incoming upgrade request in the
// receiving worker process.
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Proto  string      `json:"proto"`
	Host   string      `json:"host"`
	Header http.Header `json:"header"`
	Remote string      `json:"remoteAddr"`
}

// FromHTTPRequest captures the fields of r needed for handoff.
func FromHTTPRequest(r *http.Request) Request {
	return Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Proto:  r.Proto,
		Host:   r.Host,
		Header: r.Header.Clone(),
		Remote: r.RemoteAddr,
	}
}

// ToHTTPRequest reconstructs an *http.Request suitable for
// websocket.Upgrader.Upgrade, carrying any already-buffered bytes
// (head) as the request body so the worker can replay them before
// reading further off the handed-off connection.
func (m Request) ToHTTPRequest(head []byte) (*http.Request, error) {
	u, err := url.ParseRequestURI(m.URL)
	if err != nil {
		return nil, srverrors.Wrap(err, "handoff: parse forwarded URL")
	}
	r, err := http.NewRequest(m.Method, u.String(), nil)
	if err != nil {
		return nil, srverrors.Wrap(err, "handoff: rebuild request")
	}
	r.Proto = m.Proto
	r.Host = m.Host
	r.Header = m.Header
	r.RemoteAddr = m.Remote
	if len(head) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(head))
	}
	return r, nil
}

// Envelope is the {message, head, payload} structure spec.md §4.8
// describes: the captured HTTP request, any bytes already read off
// the wire during the upgrade sniff (TLS/HTTP buffered head), and
// opaque worker-specific routing info (e.g. which syncer worker index,
// or replication-manager marker).
type Envelope struct {
	Message Request         `json:"message"`
	Head    []byte          `json:"head"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an Envelope to a plain JSON document (no length
// prefix; one control message carries one envelope).
func Encode(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, srverrors.Wrap(err, "handoff: encode envelope")
	}
	return body, nil
}

// Decode parses a JSON document produced by Encode back into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, srverrors.Wrap(err, "handoff: decode envelope")
	}
	return e, nil
}

// SendConn hands conn's underlying file descriptor, plus the encoded
// Envelope, across ctrl (a connected Unix domain socket to the target
// worker). The dispatcher calls this after selecting a worker; conn's
// fd is duplicated onto the receiving process's descriptor table, so
// the sender may (and should) close its own copy afterward.
func SendConn(ctrl *net.UnixConn, conn syscall.Conn, e Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}

	var rawErr error
	rc, err := conn.SyscallConn()
	if err != nil {
		return srverrors.Wrap(err, "handoff: get raw conn")
	}
	var oob []byte
	rawErr = rc.Control(func(fd uintptr) {
		oob = syscall.UnixRights(int(fd))
	})
	if rawErr != nil {
		return srverrors.Wrap(rawErr, "handoff: extract fd")
	}

	_, _, err = ctrl.WriteMsgUnix(body, oob, nil)
	if err != nil {
		return srverrors.Wrap(err, "handoff: write control message")
	}
	return nil
}

// RecvConn reads one handed-off Envelope and reconstructs the
// transferred socket as a net.Conn, from ctrl (the worker's end of the
// control socket).
func RecvConn(ctrl *net.UnixConn) (net.Conn, Envelope, error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, syscall.CmsgSpace(4))

	n, oobn, _, _, err := ctrl.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, Envelope{}, srverrors.Wrap(err, "handoff: read control message")
	}

	e, err := Decode(buf[:n])
	if err != nil {
		return nil, Envelope{}, err
	}

	cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, Envelope{}, srverrors.Wrap(err, "handoff: parse control message")
	}
	if len(cmsgs) == 0 {
		return nil, Envelope{}, srverrors.New("handoff: no fd in control message")
	}
	fds, err := syscall.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return nil, Envelope{}, srverrors.Wrap(err, "handoff: parse unix rights")
	}

	f := os.NewFile(uintptr(fds[0]), "handed-off-conn")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, Envelope{}, srverrors.Wrap(err, "handoff: reconstruct conn from fd")
	}
	return conn, e, nil
}

// CloseReasonLimit is the WebSocket close-frame reason limit spec.md
// §4.8 names: the control frame payload (2-byte code + reason) must
// fit in 125 bytes, leaving 123 for the UTF-8 reason text.
const CloseReasonLimit = 123

// ClampReason truncates reason to at most CloseReasonLimit bytes
// without splitting a multi-byte UTF-8 rune, per spec.md §4.8.
func ClampReason(reason string) string {
	if len(reason) <= CloseReasonLimit {
		return reason
	}
	b := []byte(reason)[:CloseReasonLimit]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	// Drop a final rune that was truncated mid-sequence.
	if len(b) > 0 {
		if r, size := utf8.DecodeLastRune(b); r == utf8.RuneError && size <= 1 {
			b = b[:len(b)-size]
		}
	}
	return string(b)
}

// FailUpgrade is the dispatcher's fallback path of spec.md §4.8: when
// the handoff producer throws (the control socket write failed, or no
// worker was reachable), the dispatcher completes the WebSocket
// upgrade itself and immediately closes with protocol-error code 1002
// and a clamped reason.
func FailUpgrade(w http.ResponseWriter, r *http.Request, reason string) error {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return srverrors.Wrap(err, "handoff: fallback upgrade failed")
	}
	defer conn.Close()

	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, ClampReason(reason))
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}
