package wire

import "encoding/json"

// Mutation is spec.md §3's Mutation: per-client strictly-increasing,
// contiguous mutation IDs starting at 1.
type Mutation struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientID"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// PushBody is the HTTP POST body to the user-owned push endpoint
// described in spec.md §6.
type PushBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion"`
	Timestamp     int64      `json:"timestamp"`
	RequestID     string     `json:"requestID"`
}

// MutationID identifies one mutation result in a PushResponse.
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
}

// MutationResult is either an empty success object or an error body,
// per spec.md §6's `{} | {error, details?}`.
type MutationResult struct {
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// MutationOutcome pairs a MutationID with its MutationResult.
type MutationOutcome struct {
	ID     MutationID     `json:"id"`
	Result MutationResult `json:"result"`
}

// PushResponse is the success shape of the push endpoint response.
type PushResponse struct {
	Mutations []MutationOutcome `json:"mutations,omitempty"`

	// Top-level error path, mutually exclusive with Mutations.
	Error      string          `json:"error,omitempty"`
	ForClient  string          `json:"forClient,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// TransformRequestItem is one entry of the ['transform', [...]] body
// sent to the get-queries endpoint (spec.md §6).
type TransformRequestItem struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// TransformResultItem is either {id,name,ast} or an error variant
// {error,id,name,details}.
type TransformResultItem struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	AST     json.RawMessage `json:"ast,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}
