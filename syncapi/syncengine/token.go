// Package syncengine implements the long-poll incremental sync contract
// of spec §4.7: sync(since_token?, timeout, filter) -> (response,
// next_token), backed by six independently-tokened streams plus the
// timeline stream already maintained by roomserver/timeline.
package syncengine

import (
	"fmt"
	"strings"
)

// Token is the opaque sync cursor of spec §3.6/§4.7: one position per
// stream, totally ordered within that stream. The zero Token is the
// "no since_token" position used for an initial sync.
type Token struct {
	Timeline    uint64
	Presence    uint64
	Typing      uint64
	Receipts    uint64
	ToDevice    uint64
	DeviceList  uint64
	AccountData uint64
}

// String serializes the token, grounded on the teacher's StreamingToken
// convention of an "s"-prefixed underscore-joined position list
// (syncapi/types/v4types.go's "s478_0_100_50_0_13_0_0_0" example).
func (t Token) String() string {
	return fmt.Sprintf("s%d_%d_%d_%d_%d_%d_%d",
		t.Timeline, t.Presence, t.Typing, t.Receipts, t.ToDevice, t.DeviceList, t.AccountData)
}

// ParseToken parses a token previously produced by Token.String. An empty
// string parses to the zero Token (valid for initial sync).
func ParseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, nil
	}
	if !strings.HasPrefix(s, "s") {
		return Token{}, fmt.Errorf("syncengine: malformed token %q: missing 's' prefix", s)
	}
	parts := strings.Split(s[1:], "_")
	if len(parts) != 7 {
		return Token{}, fmt.Errorf("syncengine: malformed token %q: expected 7 stream positions, got %d", s, len(parts))
	}
	var vals [7]uint64
	for i, p := range parts {
		var v uint64
		if _, err := fmt.Sscanf(p, "%d", &v); err != nil {
			return Token{}, fmt.Errorf("syncengine: malformed token %q: position %d is not a number", s, i)
		}
		vals[i] = v
	}
	return Token{
		Timeline:    vals[0],
		Presence:    vals[1],
		Typing:      vals[2],
		Receipts:    vals[3],
		ToDevice:    vals[4],
		DeviceList:  vals[5],
		AccountData: vals[6],
	}, nil
}

// IsEmpty reports whether t is the zero token (no since_token supplied).
func (t Token) IsEmpty() bool {
	return t == Token{}
}

// atLeast reports whether every stream position in t is >= the
// corresponding position in other, the partial order spec §5 requires
// for a next_token returned from a sync (monotone in every stream).
func (t Token) atLeast(other Token) bool {
	return t.Timeline >= other.Timeline &&
		t.Presence >= other.Presence &&
		t.Typing >= other.Typing &&
		t.Receipts >= other.Receipts &&
		t.ToDevice >= other.ToDevice &&
		t.DeviceList >= other.DeviceList &&
		t.AccountData >= other.AccountData
}
