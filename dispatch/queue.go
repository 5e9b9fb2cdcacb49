package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipdispatch/internal/log"
)

// Queue entry lifecycle states.
const (
	// EntryStateUnresolved: the entry has no delivery targets yet and is
	// waiting for URI resolution.
	EntryStateUnresolved = "unresolved"
	// EntryStateInFlight: targets are known, the packet has been or is
	// being handed to a leg, retransmits may still fire.
	EntryStateInFlight = "in_flight"
	// EntryStateTerminated: the entry reached a terminal outcome and is
	// removed from the queue. No further callbacks fire.
	EntryStateTerminated = "terminated"
)

// Queue entry lifecycle events.
const (
	entryEvtResolved      = "resolved"
	entryEvtResolveErr    = "resolve_err"
	entryEvtSendOK        = "send_ok"
	entryEvtSendErr       = "send_err"
	entryEvtRetransmitDue = "retransmit_due"
	entryEvtExpired       = "expired"
	entryEvtCancelled     = "cancelled"
	entryEvtDone          = "done"
)

// DeliveryCallback is the completion hook of a queued delivery.
// It is invoked with a non-nil error when the delivery failed
// (resolution error, transport error on the last candidate, or
// retransmit expiry). Cancelled entries get no callback.
type DeliveryCallback func(err error, entry *QueueEntry)

// QueueEntry holds one in-flight delivery: the packet, the remaining
// candidate targets, the retransmit schedule and the completion hook.
// Its lifecycle is a state machine driven by the dispatcher; all fields
// are guarded by the dispatcher lock.
type QueueEntry struct {
	id     string
	packet Packet

	// targets holds the remaining delivery candidates in priority order;
	// the head is the current target. Failed attempts advance the head.
	targets []Target

	// retransmits holds absolute fire instants, head first. The final
	// element is not a retransmit but the hard expiry at creation+64*T1.
	// Nil means single-shot delivery without retransmission.
	retransmits []time.Time

	callback DeliveryCallback

	// protos optionally restricts acceptable protocols during resolution.
	protos []Proto
	// legs optionally restricts the legs considered during resolution.
	legs []Leg

	createdAt time.Time
	resolving bool
	done      bool

	fsm *stateless.StateMachine
	log *slog.Logger
}

func newQueueEntry(id string, p Packet, targets []Target, schedule []time.Time, cb DeliveryCallback, protos []Proto, legs []Leg, now time.Time, logger *slog.Logger) *QueueEntry {
	qe := &QueueEntry{
		id:          id,
		packet:      p,
		targets:     targets,
		retransmits: schedule,
		callback:    cb,
		protos:      protos,
		legs:        legs,
		createdAt:   now,
		log:         log.Or(logger),
	}
	qe.initFSM()
	return qe
}

func (qe *QueueEntry) initFSM() {
	start := EntryStateUnresolved
	if len(qe.targets) > 0 {
		start = EntryStateInFlight
	}
	qe.fsm = stateless.NewStateMachine(start)

	qe.fsm.Configure(EntryStateUnresolved).
		Permit(entryEvtResolved, EntryStateInFlight).
		Permit(entryEvtResolveErr, EntryStateTerminated).
		Permit(entryEvtExpired, EntryStateTerminated).
		Permit(entryEvtCancelled, EntryStateTerminated)

	qe.fsm.Configure(EntryStateInFlight).
		InternalTransition(entryEvtSendErr, qe.actSendErr).
		InternalTransition(entryEvtRetransmitDue, qe.actRetransmitDue).
		Permit(entryEvtSendOK, EntryStateTerminated).
		Permit(entryEvtDone, EntryStateTerminated).
		Permit(entryEvtExpired, EntryStateTerminated).
		Permit(entryEvtCancelled, EntryStateTerminated)

	qe.fsm.Configure(EntryStateTerminated).
		OnEntry(qe.actTerminated)
}

func (qe *QueueEntry) actSendErr(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			qe.log.LogAttrs(ctx, slog.LevelDebug, "delivery attempt failed",
				slog.String("id", qe.id), slog.Any("error", err))
		}
	}
	return nil
}

func (qe *QueueEntry) actRetransmitDue(ctx context.Context, _ ...any) error {
	qe.log.LogAttrs(ctx, slog.LevelDebug, "retransmit due", slog.String("id", qe.id))
	return nil
}

func (qe *QueueEntry) actTerminated(ctx context.Context, _ ...any) error {
	qe.done = true
	qe.log.LogAttrs(ctx, slog.LevelDebug, "entry terminated", slog.String("id", qe.id))
	return nil
}

// fire advances the entry state machine. A trigger that is not legal in
// the current state is a programmer error.
func (qe *QueueEntry) fire(trigger string, args ...any) {
	if err := qe.fsm.FireCtx(context.Background(), trigger, args...); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, qe.State(), err))
	}
}

// ID returns the cancellation key of the entry. It defaults to the
// packet's transaction id.
func (qe *QueueEntry) ID() string { return qe.id }

// Packet returns the packet being delivered.
func (qe *QueueEntry) Packet() Packet { return qe.packet }

// State returns the current lifecycle state.
func (qe *QueueEntry) State() string {
	return qe.fsm.MustState().(string) //nolint:forcetypeassert
}

// CreatedAt returns the submission time of the entry.
func (qe *QueueEntry) CreatedAt() time.Time { return qe.createdAt }

// current returns the head delivery target.
func (qe *QueueEntry) current() (Target, bool) {
	if len(qe.targets) == 0 {
		return Target{}, false
	}
	return qe.targets[0], true
}

// advance drops the head target after a failed attempt and reports
// whether another candidate remains.
func (qe *QueueEntry) advance() bool {
	if len(qe.targets) > 0 {
		qe.targets = qe.targets[1:]
	}
	return len(qe.targets) > 0
}

// popDue removes all retransmit instants before now. It reports whether
// any instant was popped and whether the schedule is exhausted (the
// expiry sentinel elapsed too).
func (qe *QueueEntry) popDue(now time.Time) (due, exhausted bool) {
	for len(qe.retransmits) > 0 && qe.retransmits[0].Before(now) {
		qe.retransmits = qe.retransmits[1:]
		due = true
	}
	return due, len(qe.retransmits) == 0
}

// nextWake returns the next scheduled instant of the entry.
func (qe *QueueEntry) nextWake() (time.Time, bool) {
	if len(qe.retransmits) == 0 {
		return time.Time{}, false
	}
	return qe.retransmits[0], true
}
