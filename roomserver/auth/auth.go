// Package auth implements the per-event authorization rules of spec
// §4.5: given a candidate event and its declared auth_events, check
// create/power_levels/membership/join_rules validity, and the signature
// through the caller's optional verify hook. Content hashes are not
// checked by this package.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matrixon-io/matrixon/internal/keys"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
)

// Error is one of the taxonomy named in spec §4.5.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("auth: %s: %s", e.Kind, e.Reason) }

func rejected(reason string) *Error        { return &Error{Kind: "AuthRejected", Reason: reason} }
func badSignature(reason string) *Error    { return &Error{Kind: "BadSignature", Reason: reason} }
func unknownRoomVersion(v string) *Error   { return &Error{Kind: "UnknownRoomVersion", Reason: v} }
func malformed(reason string) *Error       { return &Error{Kind: "MalformedEvent", Reason: reason} }

// SupportedRoomVersions are the room versions matrixon knows the auth
// rules for. Extending this list is an upgrade concern, not a runtime
// one: an unknown version is always rejected.
var SupportedRoomVersions = map[string]bool{
	"9":  true,
	"10": true,
	"11": true,
}

// powerLevelsContent mirrors the subset of m.room.power_levels content
// the auth rules consult.
type powerLevelsContent struct {
	Ban           *int64            `json:"ban,omitempty"`
	Kick          *int64            `json:"kick,omitempty"`
	Redact        *int64            `json:"redact,omitempty"`
	Invite        *int64            `json:"invite,omitempty"`
	StateDefault  *int64            `json:"state_default,omitempty"`
	EventsDefault *int64            `json:"events_default,omitempty"`
	UsersDefault  *int64            `json:"users_default,omitempty"`
	Users         map[string]int64  `json:"users,omitempty"`
	Events        map[string]int64  `json:"events,omitempty"`
}

func (p *powerLevelsContent) userPower(userID string) int64 {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	if p.UsersDefault != nil {
		return *p.UsersDefault
	}
	return 0
}

func (p *powerLevelsContent) eventPower(eventType string, isState bool) int64 {
	if p == nil {
		if isState {
			return 50
		}
		return 0
	}
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		if p.StateDefault != nil {
			return *p.StateDefault
		}
		return 50
	}
	if p.EventsDefault != nil {
		return *p.EventsDefault
	}
	return 0
}

type membershipContent struct {
	Membership string `json:"membership"`
}

// State is the minimal view over a resolved state map the authorizer
// needs: fetch the current event for a given (type, state_key).
type State interface {
	Get(ctx context.Context, eventType, stateKey string) (*eventstore.PDU, bool, error)
}

// mapState adapts a statestore.StateMap (short-ID keyed) plus the stores
// needed to resolve it back to PDUs into the State interface.
type mapState struct {
	ctx      context.Context
	states   *statestore.Store
	events   *eventstore.Store
	resolved statestore.StateMap
}

func (m mapState) Get(ctx context.Context, eventType, stateKey string) (*eventstore.PDU, bool, error) {
	keyID, err := m.states.InternStateKey(ctx, eventType, stateKey)
	if err != nil {
		return nil, false, err
	}
	eventShort, ok := m.resolved[keyID]
	if !ok {
		return nil, false, nil
	}
	id, err := m.events.ResolveEventID(ctx, eventShort)
	if err != nil {
		return nil, false, err
	}
	pdu, err := m.events.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return pdu, true, nil
}

// NewMapState wraps a resolved StateMap as a State for Authorize.
func NewMapState(ctx context.Context, states *statestore.Store, events *eventstore.Store, resolved statestore.StateMap) State {
	return mapState{ctx: ctx, states: states, events: events, resolved: resolved}
}

// Authorize checks event against the state named by its declared
// auth_events (already resolved into authState by the caller, per spec
// §4.5/§4.6). Returns nil if authorized, else an *Error.
func Authorize(ctx context.Context, event *eventstore.PDU, authState State, verify func(*eventstore.PDU) error) error {
	if !SupportedRoomVersions[event.RoomVersion] {
		return unknownRoomVersion(event.RoomVersion)
	}
	if event.RoomID == "" || event.Sender == "" || event.Type == "" {
		return malformed("missing required field")
	}
	if verify != nil {
		if err := verify(event); err != nil {
			return badSignature(err.Error())
		}
	}

	createEvent, _, err := authState.Get(ctx, "m.room.create", "")
	if err != nil {
		return err
	}
	if event.Type == "m.room.create" {
		// The create event authorizes itself; every other check below
		// depends on it existing, so short-circuit here.
		return nil
	}
	if createEvent == nil {
		return rejected("no m.room.create in auth state")
	}

	memberEvent, hasMember, err := authState.Get(ctx, "m.room.member", event.Sender)
	if err != nil {
		return err
	}
	senderMembership := ""
	if hasMember {
		var mc membershipContent
		if err := json.Unmarshal(memberEvent.Content, &mc); err == nil {
			senderMembership = mc.Membership
		}
	}

	plEvent, _, err := authState.Get(ctx, "m.room.power_levels", "")
	if err != nil {
		return err
	}
	var pl *powerLevelsContent
	if plEvent != nil {
		pl = &powerLevelsContent{}
		if err := json.Unmarshal(plEvent.Content, pl); err != nil {
			pl = nil
		}
	} else {
		// No power_levels event has landed yet: the room creator implicitly
		// holds power 100 until one is set, matching the power an explicit
		// m.room.power_levels event would assign them at genesis.
		pl = &powerLevelsContent{Users: map[string]int64{createEvent.Sender: 100}}
	}

	if event.Type == "m.room.member" {
		return authorizeMembership(ctx, event, authState, createEvent, pl, senderMembership)
	}

	if senderMembership != "join" {
		return rejected("sender is not joined to the room")
	}

	senderPower := pl.userPower(event.Sender)
	required := pl.eventPower(event.Type, event.IsStateEvent())
	if senderPower < required {
		return rejected("insufficient power level for event type")
	}

	if event.Type == "m.room.power_levels" {
		// m.room.power_levels is admitted on the event-power check above
		// alone: the levels it sets are not compared with the sender's
		// own power.
		return nil
	}

	return nil
}

func authorizeMembership(ctx context.Context, event *eventstore.PDU, authState State, createEvent *eventstore.PDU, pl *powerLevelsContent, senderMembership string) error {
	if event.StateKey == nil {
		return malformed("m.room.member without state_key")
	}
	targetUserID := *event.StateKey
	var mc membershipContent
	if err := json.Unmarshal(event.Content, &mc); err != nil {
		return malformed("bad membership content")
	}

	targetEvent, hasTarget, err := authState.Get(ctx, "m.room.member", targetUserID)
	if err != nil {
		return err
	}
	targetMembership := "leave"
	if hasTarget {
		var tmc membershipContent
		if err := json.Unmarshal(targetEvent.Content, &tmc); err == nil {
			targetMembership = tmc.Membership
		}
	}

	// The room creator's own first join is always allowed: there is no
	// join_rules event yet to consult, and nobody else could have invited
	// them into a room that didn't exist a moment ago.
	if mc.Membership == "join" && event.Sender == targetUserID && targetUserID == createEvent.Sender && !hasTarget {
		return nil
	}

	joinRulesEvent, _, err := authState.Get(ctx, "m.room.join_rules", "")
	if err != nil {
		return err
	}
	joinRule := "invite"
	if joinRulesEvent != nil {
		var jr struct {
			JoinRule string `json:"join_rule"`
		}
		if json.Unmarshal(joinRulesEvent.Content, &jr) == nil && jr.JoinRule != "" {
			joinRule = jr.JoinRule
		}
	}

	switch mc.Membership {
	case "join":
		if event.Sender != targetUserID {
			return rejected("cannot join on behalf of another user")
		}
		switch joinRule {
		case "public":
			return nil
		case "invite":
			if targetMembership == "invite" || targetMembership == "join" {
				return nil
			}
			return rejected("join rule is invite-only and target is not invited")
		default:
			return rejected("unsupported join rule for non-creator join")
		}
	case "invite":
		if senderMembership != "join" {
			return rejected("inviter is not joined")
		}
		if targetMembership == "join" || targetMembership == "ban" {
			return rejected("target cannot be invited in its current membership")
		}
		if pl.userPower(event.Sender) < invitePower(pl) {
			return rejected("insufficient power to invite")
		}
		return nil
	case "leave":
		if event.Sender == targetUserID {
			return nil
		}
		if senderMembership != "join" {
			return rejected("kicker is not joined")
		}
		if pl.userPower(event.Sender) < kickPower(pl) || pl.userPower(event.Sender) <= pl.userPower(targetUserID) {
			return rejected("insufficient power to kick")
		}
		return nil
	case "ban":
		if senderMembership != "join" {
			return rejected("banner is not joined")
		}
		if pl.userPower(event.Sender) < banPower(pl) || pl.userPower(event.Sender) <= pl.userPower(targetUserID) {
			return rejected("insufficient power to ban")
		}
		return nil
	default:
		return malformed("unknown membership value " + mc.Membership)
	}
}

func invitePower(pl *powerLevelsContent) int64 {
	if pl != nil && pl.Invite != nil {
		return *pl.Invite
	}
	return 0
}

func kickPower(pl *powerLevelsContent) int64 {
	if pl != nil && pl.Kick != nil {
		return *pl.Kick
	}
	return 50
}

func banPower(pl *powerLevelsContent) int64 {
	if pl != nil && pl.Ban != nil {
		return *pl.Ban
	}
	return 50
}

// signaturesDoc is the shape of a PDU's "signatures" field: server name ->
// key id -> base64 signature.
type signaturesDoc map[string]map[string]string

// VerifySignature adapts keys.VerifyJSON to the shape Authorize expects,
// checking the sending server's signature over the event's canonical
// form against a caller-supplied key resolver (fetching the key itself
// is an outer federation concern; this only checks the bytes).
func VerifySignature(resolveKey func(server, keyID string) (pubkey ed25519.PublicKey, err error)) func(*eventstore.PDU) error {
	return func(pdu *eventstore.PDU) error {
		origin := serverOf(pdu.Sender)
		if origin == "" {
			return fmt.Errorf("cannot determine origin server from sender %q", pdu.Sender)
		}
		var sigs signaturesDoc
		if len(pdu.Signatures) > 0 {
			if err := json.Unmarshal(pdu.Signatures, &sigs); err != nil {
				return fmt.Errorf("malformed signatures: %w", err)
			}
		}
		serverSigs, ok := sigs[origin]
		if !ok || len(serverSigs) == 0 {
			return fmt.Errorf("no signature from origin server %q", origin)
		}
		canonical, err := pdu.CanonicalBytes()
		if err != nil {
			return err
		}
		var lastErr error
		for keyID, sigB64 := range serverSigs {
			pub, err := resolveKey(origin, keyID)
			if err != nil {
				lastErr = err
				continue
			}
			sig, err := base64.RawStdEncoding.DecodeString(sigB64)
			if err != nil {
				lastErr = err
				continue
			}
			if err := keys.VerifyJSON(pub, canonical, sig); err == nil {
				return nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no usable key id for origin %q", origin)
		}
		return lastErr
	}
}

func serverOf(userOrServerID string) string {
	idx := indexByte(userOrServerID, ':')
	if idx < 0 {
		return ""
	}
	return userOrServerID[idx+1:]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
