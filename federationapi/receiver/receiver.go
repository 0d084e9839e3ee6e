// Package receiver implements the Federation Receiver of spec §4.9:
// ingest of `PUT /_matrix/federation/v1/send/{txn_id}` transactions,
// idempotent by (origin, txn_id), with backfill of missing ancestors and
// soft-failure for PDUs whose chain can't be completed.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/schema"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/timeline"
)

// maxPDUsPerTransaction and maxEDUsPerTransaction are the Matrix
// server-server transaction limits (spec §4.9), mirrored exactly from
// the teacher's federationapi/routing/transaction_validation_test.go
// boundary values.
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// ValidateTransactionLimits rejects a transaction whose PDU or EDU count
// exceeds the Matrix spec limits, checking PDUs first (grounded on the
// teacher's TestGenerateTransactionKey_ErrorMessages expectation that a
// transaction over both limits reports the PDU limit).
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the idempotency key a transaction is
// deduplicated by: (origin, txn_id), null-byte separated so no pair of
// distinct (origin, txn_id) values can collide (spec §4.9 "idempotent by
// (origin, txn_id)").
func GenerateTransactionKey(origin spec.ServerName, txnID string) string {
	return string(origin) + "\000" + txnID
}

// Edu is the ephemeral-event shape a transaction carries alongside PDUs;
// EDU outcomes are not individually reported (spec §4.9).
type Edu struct {
	Type    string
	Content []byte
}

// Transaction is one inbound `/send` payload.
type Transaction struct {
	Origin spec.ServerName
	TxnID  string
	PDUs   []*eventstore.PDU
	EDUs   []Edu
}

// PDUOutcome reports what happened to one PDU within a transaction.
type PDUOutcome struct {
	EventID      string
	Rejected     bool
	SoftFailed   bool
	ErrorMessage string
}

// Result is the per-transaction response of spec §4.9: per-PDU outcomes,
// no per-EDU detail.
type Result struct {
	PDUOutcomes []PDUOutcome
}

// BackfillFetcher is the outbound federation capability the receiver
// uses to complete a PDU's ancestor chain (spec §4.9). The receiver asks
// only the origin, and only through Event; StateIDs is part of the
// interface but is not called by this package.
type BackfillFetcher interface {
	StateIDs(ctx context.Context, server spec.ServerName, roomID, eventID string) (authEventIDs, stateEventIDs []string, err error)
	Event(ctx context.Context, server spec.ServerName, roomID, eventID string) (*eventstore.PDU, error)
}

// Receiver is the `/send` ingest path.
type Receiver struct {
	events      *eventstore.Store
	appender    *timeline.Appender
	backfill    BackfillFetcher
	fetchDepth  int
	seenTxns    schema.PointMap // (origin,txn_id) -> marshalled Result
	softFailed  schema.PointMap // short_event_id -> 1
	log         *logrus.Entry
}

// New wires a Receiver. fetchDepth bounds how many hops of missing
// ancestors a single PDU's backfill will chase (spec §4.9 "up to a
// configurable fetch depth").
func New(db kv.Database, events *eventstore.Store, appender *timeline.Appender, backfill BackfillFetcher, fetchDepth int) *Receiver {
	if fetchDepth <= 0 {
		fetchDepth = 10
	}
	return &Receiver{
		events:     events,
		appender:   appender,
		backfill:   backfill,
		fetchDepth: fetchDepth,
		seenTxns:   schema.NewPointMap(db, "federation/recv/txns"),
		softFailed: schema.NewPointMap(db, "federation/recv/soft_failed"),
		log:        logrus.WithField("component", "federation_receiver"),
	}
}

// Receive processes one inbound transaction, deduplicating by
// (origin, txn_id) and backfilling missing ancestors before handing each
// resolvable PDU to the Timeline Appender.
func (r *Receiver) Receive(ctx context.Context, txn Transaction) (*Result, error) {
	if err := ValidateTransactionLimits(len(txn.PDUs), len(txn.EDUs)); err != nil {
		return nil, err
	}

	key := []byte(GenerateTransactionKey(txn.Origin, txn.TxnID))
	if cached, err := r.seenTxns.Get(ctx, key); err == nil {
		return decodeResult(cached), nil
	} else if err != kv.ErrNotFound {
		return nil, err
	}

	result := &Result{PDUOutcomes: make([]PDUOutcome, 0, len(txn.PDUs))}
	for _, pdu := range txn.PDUs {
		outcome := r.receivePDU(ctx, txn.Origin, pdu)
		result.PDUOutcomes = append(result.PDUOutcomes, outcome)
	}

	if err := r.seenTxns.Put(ctx, key, encodeResult(result)); err != nil {
		return nil, err
	}
	return result, nil
}

// receivePDU validates and stores a single PDU, backfilling any missing
// prev_events/auth_events first. A PDU whose chain can't be completed
// within fetchDepth is stored soft-failed rather than rejected outright
// (spec §4.9).
func (r *Receiver) receivePDU(ctx context.Context, origin spec.ServerName, pdu *eventstore.PDU) PDUOutcome {
	refs := append(append([]string{}, pdu.PrevEvents...), pdu.AuthEvents...)
	missing, err := r.events.MissingAncestors(ctx, refs, r.fetchDepth)
	if err != nil {
		return PDUOutcome{EventID: pdu.EventID, Rejected: true, ErrorMessage: err.Error()}
	}

	if len(missing) > 0 && r.backfill != nil {
		missing = r.resolveBackfill(ctx, origin, pdu.RoomID, missing)
	}

	if len(missing) > 0 {
		if err := r.storeSoftFailed(ctx, pdu); err != nil {
			return PDUOutcome{EventID: pdu.EventID, Rejected: true, ErrorMessage: err.Error()}
		}
		r.log.WithFields(logrus.Fields{"event_id": pdu.EventID, "room_id": pdu.RoomID, "missing": len(missing)}).
			Warn("PDU soft-failed: backfill could not complete its ancestor chain")
		return PDUOutcome{EventID: pdu.EventID, SoftFailed: true}
	}

	outcome, err := r.appender.Append(ctx, pdu, nil, nil)
	if err != nil {
		return PDUOutcome{EventID: pdu.EventID, Rejected: true, ErrorMessage: err.Error()}
	}
	if outcome.Rejected {
		return PDUOutcome{EventID: pdu.EventID, Rejected: true, ErrorMessage: outcome.RejectReason}
	}
	return PDUOutcome{EventID: pdu.EventID}
}

// resolveBackfill walks the missing set fetching each event from origin
// through BackfillFetcher.Event, recursing into any newly-discovered
// ancestors up to fetchDepth, and returns whatever remains unresolved.
// When nothing remains, the fetched events are appended to the timeline
// oldest-first so the PDU that needed them is authorized against their
// state.
func (r *Receiver) resolveBackfill(ctx context.Context, origin spec.ServerName, roomID string, missing []string) []string {
	remaining := append([]string{}, missing...)
	var fetchedAll []*eventstore.PDU
	for depth := 0; depth < r.fetchDepth && len(remaining) > 0; depth++ {
		next := make([]string, 0)
		for _, eventID := range remaining {
			fetched, err := r.backfill.Event(ctx, origin, roomID, eventID)
			if err != nil || fetched == nil {
				next = append(next, eventID)
				continue
			}
			if _, err := r.events.Insert(ctx, fetched); err != nil {
				next = append(next, eventID)
				continue
			}
			fetchedAll = append(fetchedAll, fetched)
			refs := append(append([]string{}, fetched.PrevEvents...), fetched.AuthEvents...)
			stillMissing, err := r.events.MissingAncestors(ctx, refs, 1)
			if err != nil {
				continue
			}
			next = append(next, stillMissing...)
		}
		remaining = dedupe(next)
	}
	if len(remaining) == 0 {
		// Events were discovered newest-first; append them in reverse.
		for i := len(fetchedAll) - 1; i >= 0; i-- {
			if _, err := r.appender.Append(ctx, fetchedAll[i], nil, nil); err != nil {
				r.log.WithError(err).WithField("event_id", fetchedAll[i].EventID).Warn("backfilled event could not be appended")
			}
		}
	}
	return remaining
}

func (r *Receiver) storeSoftFailed(ctx context.Context, pdu *eventstore.PDU) error {
	shortID, err := r.events.Insert(ctx, pdu)
	if err != nil {
		return err
	}
	return r.softFailed.Put(ctx, schema.EncodeUint64(uint64(shortID)), []byte{1})
}

// IsSoftFailed reports whether eventShort has been stored soft-failed
// (not yet eligible for state resolution).
func (r *Receiver) IsSoftFailed(ctx context.Context, eventShort eventstore.ShortEventID) (bool, error) {
	_, err := r.softFailed.Get(ctx, schema.EncodeUint64(uint64(eventShort)))
	if err == kv.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// encodeResult/decodeResult persist a transaction's outcome so a replay
// of the same (origin, txn_id) returns it verbatim rather than
// reprocessing (spec §4.9 "a replay returns the previous result").
func encodeResult(r *Result) []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}

func decodeResult(raw []byte) *Result {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return &Result{}
	}
	return &r
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
