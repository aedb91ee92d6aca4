package amqp

import (
	"context"
	"sync"

	"github.com/tabish121/proton-go/internal/debug"
	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/queue"
)

const deliveryQueueCapacity = 1024

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	creditWindow int
	autoAccept   bool
	autoSettle   bool

	incoming *queue.Holder[*Delivery]

	mu        sync.Mutex
	unsettled map[uint32]*Delivery
	issued    uint32
	drained   uint32
}

func newReceiver(source string, session *Session, opts *ReceiverOptions) (*Receiver, error) {
	l := newLink(session, frames.RoleReceiver, "")
	l.source = &frames.Source{Address: source}
	l.target = new(frames.Target)
	r := &Receiver{
		l:            l,
		creditWindow: defaultCreditWindow,
		autoAccept:   true,
		autoSettle:   true,
		incoming:     queue.NewHolder(queue.New[*Delivery](deliveryQueueCapacity)),
		unsettled:    make(map[uint32]*Delivery),
	}
	r.l.onRemoteAttach = r.muxOnRemoteAttach
	r.l.onTransfer = r.muxOnTransfer
	r.l.onRemoteDetach = r.muxOnRemoteDetach

	if opts == nil {
		opts = &ReceiverOptions{}
	}
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	r.creditWindow = opts.creditWindow()
	r.autoAccept = opts.autoAccept()
	r.autoSettle = opts.autoSettle()
	r.l.properties = opts.Properties
	r.l.source.Capabilities = opts.Capabilities
	if so := opts.SourceOptions; so != nil {
		if so.Address != "" {
			r.l.source.Address = so.Address
		}
		r.l.source.Durable = uint32(so.Durability)
		r.l.source.ExpiryPolicy = string(so.ExpiryPolicy)
		r.l.source.Timeout = so.ExpiryTimeout
		r.l.dynamicAddr = so.Dynamic
		r.l.source.Dynamic = so.Dynamic
		r.l.source.Filter = so.Filter
		r.l.source.Outcomes = so.Outcomes
	}
	if len(r.l.source.Outcomes) == 0 {
		r.l.source.Outcomes = defaultOutcomes
	}
	if to := opts.TargetOptions; to != nil {
		r.l.target.Address = to.Address
		r.l.target.Durable = uint32(to.Durability)
		r.l.target.ExpiryPolicy = string(to.ExpiryPolicy)
		r.l.target.Timeout = to.ExpiryTimeout
		r.l.target.Capabilities = to.Capabilities
	}
	rsm := frames.ReceiverSettleModeFirst
	if !r.autoSettle {
		rsm = frames.ReceiverSettleModeSecond
	}
	r.l.receiverSettleMode = &rsm
	return r, nil
}

func (r *Receiver) muxAttach() {
	r.l.muxAttach(func(a *frames.PerformAttach) {
		a.Role = frames.RoleReceiver
		if a.Source != nil {
			a.Source.Dynamic = r.l.dynamicAddr
		}
	})
}

func (r *Receiver) muxOnRemoteAttach(resp *frames.PerformAttach) {
	if r.l.dynamicAddr && resp.Source != nil {
		r.l.source.Address = resp.Source.Address
	}
	r.muxIssueCredit()
}

// muxIssueCredit sends a Flow replenishing credit up to the configured
// window.
func (r *Receiver) muxIssueCredit() {
	if r.creditWindow <= 0 {
		return
	}
	r.mu.Lock()
	want := uint32(r.creditWindow) - uint32(len(r.unsettled))
	r.mu.Unlock()
	if int32(want) <= int32(r.l.linkCredit) {
		return
	}
	r.l.linkCredit = want
	dc := r.l.deliveryCount
	h := r.l.handle
	lc := r.l.linkCredit
	fr := &frames.PerformFlow{Handle: &h, DeliveryCount: &dc, LinkCredit: &lc}
	_ = r.l.session.txFrame(fr)
}

func (r *Receiver) muxOnTransfer(fr *frames.PerformTransfer) {
	msg, _ := fr.Payload.(*Message)
	if msg == nil {
		msg = &Message{}
	}
	var deliveryID uint32
	if fr.DeliveryID != nil {
		deliveryID = *fr.DeliveryID
	}
	d := &Delivery{receiver: r, msg: msg, deliveryID: deliveryID, deliveryTag: fr.DeliveryTag, settled: fr.Settled, partial: fr.More}

	r.l.deliveryCount++
	if r.l.linkCredit > 0 {
		r.l.linkCredit--
	}
	debug.Log(3, "RX (Receiver): link %q, remaining credit: %d", r.l.key.name, r.l.linkCredit)

	if fr.More {
		// This module does not reassemble multi-frame transfers; rather
		// than hand the application a truncated Message, surface the
		// partial delivery as an error from Receive/TryReceive.
		if !fr.Settled {
			r.mu.Lock()
			r.unsettled[deliveryID] = d
			r.mu.Unlock()
		}
		r.incoming.Enqueue(d)
		return
	}

	if !fr.Settled {
		r.mu.Lock()
		r.unsettled[deliveryID] = d
		r.mu.Unlock()
	}

	if r.autoAccept {
		if !fr.Settled {
			_ = r.muxDisposition(d, &frames.StateAccepted{})
		}
	} else {
		r.incoming.Enqueue(d)
		return
	}
	r.incoming.Enqueue(d)
}

// muxOnRemoteDetach wakes any blocked Receive/TryReceive call once the
// link reaches a terminal state, so it can observe the failure instead
// of waiting indefinitely for a delivery that will never arrive.
func (r *Receiver) muxOnRemoteDetach() {
	r.incoming.Enqueue(nil)
}

// countUnsettled reports the number of deliveries awaiting this
// Receiver's disposition.
func (r *Receiver) countUnsettled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsettled)
}

// muxDisposition sends a Disposition for d's delivery-id and, when
// settled, removes d from the unsettled set and replenishes credit.
func (r *Receiver) muxDisposition(d *Delivery, outcome frames.DeliveryState) error {
	var state any = outcome
	if tx := r.l.session.txnController; tx != nil && tx.active() {
		state = &frames.StateTransactional{TransactionID: tx.currentTxnID(), Outcome: outcome}
	}
	fr := &frames.PerformDisposition{
		Role:    frames.RoleReceiver,
		First:   d.deliveryID,
		Last:    d.deliveryID,
		Settled: true,
		State:   state,
	}
	if err := r.l.session.txFrame(fr); err != nil {
		return wrapError(ErrKindIO, err)
	}
	d.settled = true
	r.mu.Lock()
	delete(r.unsettled, d.deliveryID)
	r.mu.Unlock()
	r.muxIssueCredit()
	return nil
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string { return r.l.key.name }

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// Receive blocks until a delivery arrives, the link/session/connection
// fails, or ctx is done.
func (r *Receiver) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case q, ok := <-r.incoming.Wait():
			if !ok {
				return nil, r.terminalErr()
			}
			d := q.Dequeue()
			r.incoming.Release(q)
			if d == nil || *d == nil {
				if r.l.isTerminal() {
					return nil, r.terminalErr()
				}
				continue
			}
			if (*d).partial {
				return nil, newError(ErrKindUnsupportedPartialTransfer)
			}
			return *d, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Receiver) terminalErr() error {
	fut := executor.NewFuture[error]()
	ok := r.l.session.conn.exec.Run(func() { fut.Complete(r.l.doneErr, nil) })
	if !ok {
		return r.l.session.conn.closedErr()
	}
	err, _ := fut.Wait(context.Background())
	if err == nil {
		return newError(ErrKindClosed)
	}
	return err
}

// TryReceive returns the next buffered delivery without blocking, or
// (nil, nil) if none is currently available.
func (r *Receiver) TryReceive() (*Delivery, error) {
	select {
	case q, ok := <-r.incoming.Wait():
		if !ok {
			return nil, r.terminalErr()
		}
		d := q.Dequeue()
		r.incoming.Release(q)
		if d == nil || *d == nil {
			return nil, nil
		}
		if (*d).partial {
			return nil, newError(ErrKindUnsupportedPartialTransfer)
		}
		return *d, nil
	default:
		return nil, nil
	}
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	ok := r.l.session.conn.exec.Run(func() { r.l.muxClose(nil) })
	if !ok {
		return nil
	}
	_, err := r.l.detachFuture.Wait(ctx)
	return err
}
