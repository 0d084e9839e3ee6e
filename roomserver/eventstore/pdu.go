// Package eventstore implements the L2 event store of spec §4.3: the
// append-only room event (PDU) persistence layer, PDU<->short-ID
// interning, DAG parent/child edges, and forward-extremity tracking.
package eventstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrixon-io/matrixon/internal/shortid"
)

// PDU is matrixon's in-memory representation of a room event, the fields
// named in spec §3.2. Events are immutable after Insert.
type PDU struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	RoomVersion    string          `json:"room_version"`

	// RedactsEventID is set for m.room.redaction events; the event it
	// targets has its non-preserved fields masked at read time (spec
	// §3.2 "readers apply redaction rules... rather than mutating").
	RedactsEventID string `json:"redacts,omitempty"`
}

// IsStateEvent reports whether this PDU carries a state key.
func (p *PDU) IsStateEvent() bool {
	return p.StateKey != nil
}

// CanonicalBytes returns the canonical-JSON encoding of the PDU,
// excluding signatures/hashes/event_id per the Matrix event-signing
// algorithm, ready for content-hash computation and signing.
func (p *PDU) CanonicalBytes() ([]byte, error) {
	stripped := *p
	stripped.Signatures = nil
	stripped.Hashes = nil
	stripped.EventID = ""
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	return gomatrixserverlib.CanonicalJSON(raw)
}

// ContentHash computes the SHA-256 content hash used both for the
// event's own "hashes" field and for computing its event ID in
// content-addressed room versions.
func (p *PDU) ContentHash() (string, error) {
	canonical, err := p.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// SortedPrevEvents returns PrevEvents in a deterministic order, used
// when computing a reference hash that must not depend on slice order.
func (p *PDU) SortedPrevEvents() []string {
	out := append([]string(nil), p.PrevEvents...)
	sort.Strings(out)
	return out
}

// StateKeyTuple is the (event_type, state_key) pair interned as a single
// ShortStateKey per spec §3.1.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return t.EventType + "\x00" + t.StateKey
}

// ShortEventID and ShortRoomID name the shortid.ID type per entity class,
// purely for readability at call sites.
type (
	ShortEventID = shortid.ID
	ShortRoomID  = shortid.ID
	ShortState   = shortid.ID
)
