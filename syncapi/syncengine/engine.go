package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/timeline"
)

// defaultBacklogLimit bounds how many timeline events an initial sync
// returns per room (spec §4.7 "a bounded recent timeline per room").
const defaultBacklogLimit = 20

// defaultDeltaLimit bounds how many new timeline events a single delta
// sync response carries; a client with more backlog than this simply
// gets a next_token that yields the remainder on its following call.
const defaultDeltaLimit = 500

// Filter narrows a sync response. Rooms is the set of rooms the caller
// has already resolved as joined/invited/left for this user (membership
// resolution is a client-api concern layered above the sync engine); a
// nil Rooms means "no room restriction" — every room with new timeline
// activity is included.
type Filter struct {
	Rooms []string
}

func (f Filter) includesRoom(roomID string) bool {
	if f.Rooms == nil {
		return true
	}
	for _, r := range f.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// RoomTimeline is one room's worth of timeline material in a response:
// either the bounded initial backlog or the new events since the caller's
// token.
type RoomTimeline struct {
	RoomID string
	Events []*eventstore.PDU
}

// Response is the result of one Sync call.
type Response struct {
	Rooms       []RoomTimeline
	Presence    []Entry
	Typing      []Entry
	Receipts    []Entry
	ToDevice    []Entry
	DeviceList  []Entry
	AccountData []Entry
}

// Engine is the sync engine of spec §4.7: it reads the timeline stream
// roomserver/timeline.Appender already maintains and owns six further
// streams (presence, typing, receipts, to-device, device-list,
// account-data) with the same append-only, watchable shape.
type Engine struct {
	appender *timeline.Appender
	events   *eventstore.Store

	presence    *stream
	typing      *stream
	receipts    *stream
	toDevice    *stream
	deviceList  *stream
	accountData *stream
}

// New wires an Engine over db; appender is the room write path whose
// timeline log this engine reads, events the store used to materialize
// initial-sync backlog.
func New(db kv.Database, appender *timeline.Appender, events *eventstore.Store) *Engine {
	return &Engine{
		appender:    appender,
		events:      events,
		presence:    newStream(db, "presence"),
		typing:      newStream(db, "typing"),
		receipts:    newStream(db, "receipts"),
		toDevice:    newStream(db, "to_device"),
		deviceList:  newStream(db, "device_list"),
		accountData: newStream(db, "account_data"),
	}
}

// NotifyPresence publishes a presence update for userID, returning its
// assigned stream position.
func (e *Engine) NotifyPresence(ctx context.Context, userID string, payload json.RawMessage) (uint64, error) {
	return e.presence.Publish(ctx, userID, payload)
}

// NotifyTyping publishes a typing update for roomID.
func (e *Engine) NotifyTyping(ctx context.Context, roomID string, payload json.RawMessage) (uint64, error) {
	return e.typing.Publish(ctx, roomID, payload)
}

// NotifyReceipt publishes a read-receipt update for roomID.
func (e *Engine) NotifyReceipt(ctx context.Context, roomID string, payload json.RawMessage) (uint64, error) {
	return e.receipts.Publish(ctx, roomID, payload)
}

// NotifyToDevice publishes a to-device message addressed to userID.
func (e *Engine) NotifyToDevice(ctx context.Context, userID string, payload json.RawMessage) (uint64, error) {
	return e.toDevice.Publish(ctx, userID, payload)
}

// NotifyDeviceList publishes a device-list change for userID.
func (e *Engine) NotifyDeviceList(ctx context.Context, userID string, payload json.RawMessage) (uint64, error) {
	return e.deviceList.Publish(ctx, userID, payload)
}

// NotifyAccountData publishes an account-data change for userID.
func (e *Engine) NotifyAccountData(ctx context.Context, userID string, payload json.RawMessage) (uint64, error) {
	return e.accountData.Publish(ctx, userID, payload)
}

// Sync implements the §4.7 contract. A zero since Token means initial
// sync. timeout <= 0 means return immediately with whatever is
// available (never suspend).
func (e *Engine) Sync(ctx context.Context, since Token, timeout time.Duration, filter Filter) (*Response, Token, error) {
	if since.IsEmpty() {
		return e.initialSync(ctx, filter)
	}

	deadline := time.Now().Add(timeout)
	for {
		resp, next, err := e.deltaSince(ctx, since, filter)
		if err != nil {
			return nil, since, err
		}
		if !isEmptyResponse(resp) || timeout <= 0 {
			return resp, next, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resp, since, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, since, ctx.Err()
		case <-timer.C:
			return resp, since, nil
		case <-e.appender.WatchTimeline():
		case <-e.presence.Watch():
		case <-e.typing.Watch():
		case <-e.receipts.Watch():
		case <-e.toDevice.Watch():
		case <-e.deviceList.Watch():
		case <-e.accountData.Watch():
		}
		timer.Stop()
		// A stream fired (or several did); loop once more to assemble
		// whatever is now available. Cancellation (client disconnect) is
		// observed on the next ctx.Done() check above; nothing has been
		// committed by this function, so there is no rollback to do.
	}
}

func isEmptyResponse(r *Response) bool {
	return len(r.Rooms) == 0 && len(r.Presence) == 0 && len(r.Typing) == 0 &&
		len(r.Receipts) == 0 && len(r.ToDevice) == 0 && len(r.DeviceList) == 0 && len(r.AccountData) == 0
}

// initialSync builds a snapshot: a bounded recent timeline per filtered
// room, and every stream's current position as the response's token (no
// ancillary-stream backlog is replayed on initial sync — a fresh client
// has no prior position to diff against).
func (e *Engine) initialSync(ctx context.Context, filter Filter) (*Response, Token, error) {
	resp := &Response{}
	for _, roomID := range filter.Rooms {
		extremities, err := e.events.Extremities(ctx, roomID)
		if err != nil {
			return nil, Token{}, err
		}
		if len(extremities) == 0 {
			continue
		}
		pdus, err := e.events.WalkAncestors(ctx, extremities[0], defaultBacklogLimit)
		if err != nil {
			return nil, Token{}, err
		}
		reverseInPlace(pdus)
		resp.Rooms = append(resp.Rooms, RoomTimeline{RoomID: roomID, Events: pdus})
	}

	next, err := e.currentToken(ctx)
	if err != nil {
		return nil, Token{}, err
	}
	return resp, next, nil
}

// deltaSince returns everything new since since, restricted to filter.
func (e *Engine) deltaSince(ctx context.Context, since Token, filter Filter) (*Response, Token, error) {
	resp := &Response{}

	timelineEntries, nextTimeline, err := e.appender.EventsSince(ctx, since.Timeline, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	byRoom := make(map[string][]*eventstore.PDU)
	var order []string
	for _, entry := range timelineEntries {
		if !filter.includesRoom(entry.RoomID) {
			continue
		}
		pdu, err := e.events.Get(ctx, entry.EventID)
		if err != nil {
			return nil, since, err
		}
		if _, ok := byRoom[entry.RoomID]; !ok {
			order = append(order, entry.RoomID)
		}
		byRoom[entry.RoomID] = append(byRoom[entry.RoomID], pdu)
	}
	for _, roomID := range order {
		resp.Rooms = append(resp.Rooms, RoomTimeline{RoomID: roomID, Events: byRoom[roomID]})
	}

	presence, err := e.presence.Since(ctx, since.Presence, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	typing, err := e.typing.Since(ctx, since.Typing, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	receipts, err := e.receipts.Since(ctx, since.Receipts, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	toDevice, err := e.toDevice.Since(ctx, since.ToDevice, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	deviceList, err := e.deviceList.Since(ctx, since.DeviceList, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	accountData, err := e.accountData.Since(ctx, since.AccountData, defaultDeltaLimit)
	if err != nil {
		return nil, since, err
	}
	resp.Presence, resp.Typing, resp.Receipts = presence, typing, receipts
	resp.ToDevice, resp.DeviceList, resp.AccountData = toDevice, deviceList, accountData

	next := Token{
		Timeline:    nextTimeline,
		Presence:    lastPosition(presence, since.Presence),
		Typing:      lastPosition(typing, since.Typing),
		Receipts:    lastPosition(receipts, since.Receipts),
		ToDevice:    lastPosition(toDevice, since.ToDevice),
		DeviceList:  lastPosition(deviceList, since.DeviceList),
		AccountData: lastPosition(accountData, since.AccountData),
	}
	if !next.atLeast(since) {
		// Every stream position is monotone by construction (Since only
		// returns entries above the floor it was given), so this would
		// only trip on a logic error upstream — fall back to since rather
		// than hand the client a token that could walk time backwards.
		next = since
	}
	return resp, next, nil
}

func (e *Engine) currentToken(ctx context.Context) (Token, error) {
	timelinePos, err := e.appender.GlobalCounter(ctx)
	if err != nil {
		return Token{}, err
	}
	presencePos, err := e.presence.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	typingPos, err := e.typing.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	receiptsPos, err := e.receipts.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	toDevicePos, err := e.toDevice.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	deviceListPos, err := e.deviceList.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	accountDataPos, err := e.accountData.Position(ctx)
	if err != nil {
		return Token{}, err
	}
	return Token{
		Timeline:    timelinePos,
		Presence:    presencePos,
		Typing:      typingPos,
		Receipts:    receiptsPos,
		ToDevice:    toDevicePos,
		DeviceList:  deviceListPos,
		AccountData: accountDataPos,
	}, nil
}

func lastPosition(entries []Entry, floor uint64) uint64 {
	if len(entries) == 0 {
		return floor
	}
	return entries[len(entries)-1].Position
}

func reverseInPlace(pdus []*eventstore.PDU) {
	for i, j := 0, len(pdus)-1; i < j; i, j = i+1, j-1 {
		pdus[i], pdus[j] = pdus[j], pdus[i]
	}
}
