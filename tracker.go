package amqp

import (
	"context"
	"sync"

	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
)

// Tracker is the handle returned by Sender.Send/TrySend, letting a
// caller await and inspect how the peer (or a local settle, in settled
// mode) disposed of a single delivery.
type Tracker struct {
	sender      *Sender
	deliveryID  uint32
	deliveryTag []byte

	mu            sync.Mutex
	remoteState   frames.DeliveryState
	remoteSettled bool

	settleFuture *executor.Future[frames.DeliveryState]
	settled      bool
}

func newTracker(s *Sender, deliveryID uint32, tag []byte) *Tracker {
	return &Tracker{
		sender:       s,
		deliveryID:   deliveryID,
		deliveryTag:  append([]byte(nil), tag...),
		settleFuture: executor.NewFuture[frames.DeliveryState](),
	}
}

// DeliveryTag is the tag assigned to this delivery.
func (t *Tracker) DeliveryTag() []byte { return t.deliveryTag }

// Settled reports whether this delivery has reached a terminal,
// settled state, either locally (sender-settle=settled) or because the
// peer's Disposition carried settled=true.
func (t *Tracker) Settled() bool { return t.settleFuture.IsDone() }

// State returns the delivery's terminal state, if known, without
// blocking.
func (t *Tracker) State() (frames.DeliveryState, bool) {
	if !t.settleFuture.IsDone() {
		return nil, false
	}
	st, _ := t.settleFuture.Result()
	return st, true
}

// RemoteState returns the most recent outcome reported by the peer for
// this delivery, even if the peer's Disposition was unsettled. Under
// receiver-settle-mode-second the peer's first Disposition carries its
// desired outcome unsettled, before the three-way handshake completes;
// RemoteState lets a caller observe that outcome ahead of Settle.
func (t *Tracker) RemoteState() (frames.DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteState, t.remoteState != nil
}

// RemoteSettled reports whether the peer's Disposition for this
// delivery carried settled=true.
func (t *Tracker) RemoteSettled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSettled
}

// SettlementFuture exposes the future AwaitSettlement waits on, for
// callers composing it with a select over other channels.
func (t *Tracker) SettlementFuture() *executor.Future[frames.DeliveryState] {
	return t.settleFuture
}

// AwaitSettlement blocks until the peer settles this delivery (or the
// local send already settled it), returning its terminal state.
func (t *Tracker) AwaitSettlement(ctx context.Context) (frames.DeliveryState, error) {
	return t.settleFuture.Wait(ctx)
}

// Disposition reports state to the peer as this delivery's outcome
// without settling it. It is mainly useful under receiver-settle-mode-
// second, where a sender can override the outcome the peer proposed
// before completing the handshake with Settle.
func (t *Tracker) Disposition(ctx context.Context, state frames.DeliveryState) error {
	return t.muxSendDisposition(ctx, state, false)
}

// Settle locally settles this delivery and notifies the peer, completing
// the receiver-settle-mode-second three-way handshake. It reuses the
// peer's most recently reported outcome and is a no-op if the delivery
// is already settled.
func (t *Tracker) Settle(ctx context.Context) error {
	if t.settleFuture.IsDone() {
		return nil
	}
	state, _ := t.RemoteState()
	return t.muxSendDisposition(ctx, state, true)
}

func (t *Tracker) muxSendDisposition(ctx context.Context, state frames.DeliveryState, settled bool) error {
	resFut := executor.NewFuture[struct{}]()
	ok := t.sender.l.session.conn.exec.Run(func() {
		fr := &frames.PerformDisposition{
			Role:    frames.RoleSender,
			First:   t.deliveryID,
			Last:    t.deliveryID,
			Settled: settled,
			State:   state,
		}
		err := t.sender.l.session.txFrame(fr)
		if err == nil && settled {
			t.muxSettleLocal(state)
		}
		resFut.Complete(struct{}{}, err)
	})
	if !ok {
		return t.sender.l.session.conn.closedErr()
	}
	_, err := resFut.Wait(ctx)
	return err
}

// muxHandleDisposition is invoked from Session.muxHandleDisposition on
// the Connection executor when a remote Disposition covers this
// delivery's id.
func (t *Tracker) muxHandleDisposition(fr *frames.PerformDisposition) {
	state, _ := fr.State.(frames.DeliveryState)
	if txState, ok := fr.State.(*frames.StateTransactional); ok {
		state = txState
	}
	t.mu.Lock()
	t.remoteState = state
	t.remoteSettled = fr.Settled
	t.mu.Unlock()
	if fr.Settled {
		t.muxSettleLocal(state)
		if rej, ok := state.(*frames.StateRejected); ok && t.sender.detachOnRejectDisp() {
			t.sender.l.muxClose(rej.Error)
		}
	}
}

func (t *Tracker) muxSettleLocal(state frames.DeliveryState) {
	if t.settleFuture.IsDone() {
		return
	}
	t.settled = true
	t.settleFuture.Complete(state, nil)
}
