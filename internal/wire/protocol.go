package wire

import "encoding/json"

// ClientMessage is the `[kind, body]` tagged-tuple envelope spec.md §6
// uses for both upstream (client-sent) and downstream (client-bound)
// messages, mirroring the same positional-array convention as the
// push/transform endpoints (see TransformRequestItem's sibling
// envelope in internal/transform) rather than one Go struct type per
// kind unmarshaled polymorphically.
type ClientMessage struct {
	Kind string
	Body json.RawMessage
}

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	kind, err := json.Marshal(m.Kind)
	if err != nil {
		return nil, err
	}
	body := m.Body
	if body == nil {
		body = json.RawMessage("null")
	}
	return json.Marshal([2]json.RawMessage{kind, body})
}

func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &m.Kind); err != nil {
		return err
	}
	m.Body = raw[1]
	return nil
}

// Upstream message kinds, per spec.md §6.
const (
	UpKindInitConnection       = "initConnection"
	UpKindPing                 = "ping"
	UpKindPush                 = "push"
	UpKindChangeDesiredQueries = "changeDesiredQueries"
	UpKindDeleteClients        = "deleteClients"
	UpKindInspect              = "inspect"
)

// Downstream message kinds, per spec.md §6.
const (
	DownKindConnected     = "connected"
	DownKindPong          = "pong"
	DownKindPokeStart     = "pokeStart"
	DownKindPokePart      = "pokePart"
	DownKindPokeEnd       = "pokeEnd"
	DownKindPushResponse  = "pushResponse"
	DownKindError         = "error"
	DownKindWarm          = "warm"
)

// ConnectedBody is the body of a `connected` downstream message.
type ConnectedBody struct {
	WSID      string `json:"wsid"`
	Timestamp int64  `json:"timestamp"`
}

// PokeStartBody opens a poke (an incremental view update) identified
// by PokeID.
type PokeStartBody struct {
	PokeID     string  `json:"pokeID"`
	BaseCookie *string `json:"baseCookie,omitempty"`
}

// PokePartBody carries one chunk of a poke's payload; the payload
// shape itself is owned by the IVM hydrator (out of scope per
// spec.md §1), so it is passed through opaquely.
type PokePartBody struct {
	PokeID  string          `json:"pokeID"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PokeEndBody closes a poke, advancing the client's cookie.
type PokeEndBody struct {
	PokeID string `json:"pokeID"`
	Cookie string `json:"cookie"`
}

// PushResponseBody carries the successful (possibly partial) prefix
// of mutation outcomes the pusher streams to a client, per spec.md
// §4.6.
type PushResponseBody struct {
	Mutations []MutationOutcome `json:"mutations"`
}

// WarmBody is the optional padding frame of spec.md §9's "warm
// connection" feature.
type WarmBody struct {
	Padding string `json:"padding"`
}

// InitConnectionBody is the body of an `initConnection` upstream
// message: desired queries plus any client-carried init payload. The
// desired-query AST shape itself belongs to the IVM hydrator, so it
// is carried opaquely.
type InitConnectionBody struct {
	DesiredQueriesPatch json.RawMessage `json:"desiredQueriesPatch,omitempty"`
}

// ChangeDesiredQueriesBody is the body of a `changeDesiredQueries`
// upstream message.
type ChangeDesiredQueriesBody struct {
	DesiredQueriesPatch json.RawMessage `json:"desiredQueriesPatch"`
}

// DeleteClientsBody is the body of a `deleteClients` upstream message.
type DeleteClientsBody struct {
	ClientIDs []string `json:"clientIDs"`
}

// PushMessageBody is the body of a `push` upstream message: one
// client's batch of mutations, shaped like PushBody but without the
// server-only RequestID/Timestamp fields the pusher fills in.
type PushMessageBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion"`
	Timestamp     int64      `json:"timestamp"`
	RequestID     string     `json:"requestID"`
}
