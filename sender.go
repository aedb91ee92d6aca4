package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tabish121/proton-go/internal/debug"
	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/shared"
)

// SendOptions contains any optional values for Sender.Send/TrySend.
type SendOptions struct {
	// for future expansion
}

// blockedSend is a Send call parked because the link had no credit when
// it was issued.
type blockedSend struct {
	msg    *Message
	tag    []byte
	future *executor.Future[*Tracker]
	cancel func()
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	l link

	mu              sync.Mutex
	nextDeliveryTag uint64
	blocked         []*blockedSend

	anonymous   bool
	coordinator bool

	sendTimeoutOverride time.Duration

	autoSettle              bool
	closeOnDispositionError bool
}

// newSender builds a Sender from opts but does not attach it; attach
// happens once it is scheduled on the Connection executor.
func newSender(target string, session *Session, opts *SenderOptions) (*Sender, error) {
	l := newLink(session, frames.RoleSender, "")
	l.target = &frames.Target{Address: target}
	l.source = new(frames.Source)
	s := &Sender{
		l:                       l,
		autoSettle:              true,
		closeOnDispositionError: true,
	}
	s.l.onRemoteAttach = s.muxOnRemoteAttach
	s.l.onFlow = s.muxOnFlow
	s.l.onRemoteDetach = s.muxOnRemoteDetach

	if opts == nil {
		return s, nil
	}
	if opts.Name != "" {
		s.l.key.name = opts.Name
	}
	ssm := senderSettleModeFor(opts.DeliveryMode)
	if opts.SettlementMode != nil {
		ssm = *opts.SettlementMode
	}
	s.l.senderSettleMode = &ssm
	s.l.receiverSettleMode = opts.RequestedReceiverSettleMode
	s.autoSettle = opts.autoSettle()
	s.closeOnDispositionError = !opts.IgnoreDispositionErrors
	s.l.properties = opts.Properties
	s.sendTimeoutOverride = opts.SendTimeout
	s.l.target.Capabilities = append(s.l.target.Capabilities, opts.Capabilities...)
	if so := opts.SourceOptions; so != nil {
		s.l.source.Address = so.Address
		s.l.source.Durable = uint32(so.Durability)
		s.l.source.ExpiryPolicy = string(so.ExpiryPolicy)
		s.l.source.Timeout = so.ExpiryTimeout
		s.l.source.Capabilities = so.Capabilities
	}
	if to := opts.TargetOptions; to != nil {
		if to.Address != "" {
			s.l.target.Address = to.Address
		}
		s.l.target.Durable = uint32(to.Durability)
		s.l.target.ExpiryPolicy = string(to.ExpiryPolicy)
		s.l.target.Timeout = to.ExpiryTimeout
		s.l.dynamicAddr = to.Dynamic
		s.l.target.Dynamic = to.Dynamic
	}
	return s, nil
}

func senderSettleModeFor(mode DeliveryMode) frames.SenderSettleMode {
	if mode == AtMostOnce {
		return frames.SenderSettleModeSettled
	}
	return frames.SenderSettleModeUnsettled
}

// muxAttach sends the link's Attach performative; invoked on the
// Connection executor, either immediately (named/targeted senders) or
// once anonymous-relay capability is confirmed (Session.muxCapabilitiesKnown).
func (s *Sender) muxAttach() {
	s.l.muxAttach(func(a *frames.PerformAttach) {
		a.Role = frames.RoleSender
		if s.coordinator {
			a.Target = nil
			a.CoordinatorTarget = s.l.coordinatorTarget
		} else if s.anonymous {
			a.Target = nil
		} else if a.Target != nil {
			a.Target.Dynamic = s.l.dynamicAddr
		}
	})
}

// muxSendControl transmits a Declare/Discharge control body over a
// coordinator link, reusing the ordinary delivery/Tracker/settlement
// machinery used for regular message transfers.
func (s *Sender) muxSendControl(payload any) (*Tracker, error) {
	s.mu.Lock()
	deliveryTag := shared.Uint32ToBytes(s.nextDeliveryTag)
	s.nextDeliveryTag++
	s.mu.Unlock()

	deliveryID := s.l.session.nextDeliveryID()
	fr := &frames.PerformTransfer{
		Handle:      s.l.handle,
		DeliveryID:  &deliveryID,
		DeliveryTag: deliveryTag,
		Settled:     false,
		Payload:     payload,
	}
	if err := s.l.session.txFrame(fr); err != nil {
		return nil, wrapError(ErrKindIO, err)
	}
	s.l.deliveryCount++
	if s.l.linkCredit > 0 {
		s.l.linkCredit--
	}

	tr := newTracker(s, deliveryID, deliveryTag)
	s.l.session.outgoingDeliveries[deliveryID] = tr
	return tr, nil
}

func (s *Sender) muxOnRemoteAttach(resp *frames.PerformAttach) {
	if s.l.dynamicAddr && resp.Target != nil {
		s.l.target.Address = resp.Target.Address
	}
}

func (s *Sender) muxOnRemoteDetach() {
	s.mu.Lock()
	blocked := s.blocked
	s.blocked = nil
	s.mu.Unlock()
	for _, b := range blocked {
		if b.cancel != nil {
			b.cancel()
		}
		b.future.Complete(nil, s.l.doneErr)
	}
}

// muxOnFlow updates available credit and drains any Send calls that
// were blocked waiting for it.
func (s *Sender) muxOnFlow(fr *frames.PerformFlow) {
	if fr.LinkCredit != nil {
		credit := *fr.LinkCredit
		if fr.DeliveryCount != nil {
			credit -= (*fr.DeliveryCount - s.l.deliveryCount)
		}
		s.l.linkCredit = credit
	}
	s.muxDrainBlocked()
	if fr.Echo {
		dc := s.l.deliveryCount
		lc := s.l.linkCredit
		h := s.l.handle
		resp := &frames.PerformFlow{Handle: &h, DeliveryCount: &dc, LinkCredit: &lc}
		_ = s.l.session.txFrame(resp)
	}
}

func (s *Sender) muxDrainBlocked() {
	s.mu.Lock()
	for len(s.blocked) > 0 && s.l.linkCredit > 0 {
		b := s.blocked[0]
		s.blocked = s.blocked[1:]
		s.mu.Unlock()
		if b.cancel != nil {
			b.cancel()
		}
		tr, err := s.muxSend(b.msg, b.tag)
		b.future.Complete(tr, err)
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string { return s.l.key.name }

// MaxMessageSize is the maximum size of a single message.
func (s *Sender) MaxMessageSize() uint64 { return s.l.maxMessageSize }

// Address returns the link's target address.
func (s *Sender) Address() string {
	if s.l.target == nil {
		return ""
	}
	return s.l.target.Address
}

// OfferedCapabilities returns the capabilities the link's target
// advertised.
func (s *Sender) OfferedCapabilities() []string {
	if s.l.target == nil {
		return nil
	}
	return s.l.target.Capabilities
}

// Send encodes msg into the next delivery and transmits it, blocking up
// to the sender's configured send-timeout if no credit is currently
// available. It returns a Tracker whose settlement future completes on
// remote disposition, or immediately if the delivery is locally settled.
func (s *Sender) Send(ctx context.Context, msg *Message, opts *SendOptions) (*Tracker, error) {
	fut := executor.NewFuture[*Tracker]()
	ok := s.l.session.conn.exec.Run(func() {
		if s.l.isTerminal() {
			fut.Complete(nil, s.l.doneErr)
			return
		}
		if s.l.linkCredit > 0 {
			tr, err := s.muxSend(msg, nil)
			fut.Complete(tr, err)
			return
		}
		b := &blockedSend{msg: msg, future: fut}
		cancel := s.l.session.conn.exec.Schedule(s.sendTimeout(), func() {
			s.mu.Lock()
			for i, bb := range s.blocked {
				if bb == b {
					s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			if !fut.IsDone() {
				fut.Complete(nil, newError(ErrKindSendTimedOut))
			}
		})
		b.cancel = cancel
		s.mu.Lock()
		s.blocked = append(s.blocked, b)
		s.mu.Unlock()
	})
	if !ok {
		return nil, s.l.session.conn.closedErr()
	}
	return fut.Wait(ctx)
}

func (s *Sender) sendTimeout() time.Duration {
	if s.sendTimeoutOverride != 0 {
		return s.sendTimeoutOverride
	}
	return s.l.session.conn.opts.SendTimeout
}

// TrySend attempts to send msg without waiting for credit. It returns
// (nil, nil) if no credit is currently available, never blocking.
func (s *Sender) TrySend(ctx context.Context, msg *Message, opts *SendOptions) (*Tracker, error) {
	fut := executor.NewFuture[*Tracker]()
	ok := s.l.session.conn.exec.Run(func() {
		if s.l.isTerminal() {
			fut.Complete(nil, s.l.doneErr)
			return
		}
		if s.l.linkCredit == 0 {
			fut.Complete(nil, nil)
			return
		}
		tr, err := s.muxSend(msg, nil)
		fut.Complete(tr, err)
	})
	if !ok {
		return nil, s.l.session.conn.closedErr()
	}
	return fut.Wait(ctx)
}

// muxSend performs the actual encode-and-transmit; callers must already
// hold linkCredit > 0 and run on the executor.
func (s *Sender) muxSend(msg *Message, tag []byte) (*Tracker, error) {
	const maxDeliveryTagLength = 32
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, fmt.Errorf("amqp: delivery tag exceeds %d bytes", maxDeliveryTagLength)
	}

	deliveryTag := tag
	if deliveryTag == nil {
		deliveryTag = msg.DeliveryTag
		if len(deliveryTag) == 0 {
			s.mu.Lock()
			deliveryTag = shared.Uint32ToBytes(s.nextDeliveryTag)
			s.nextDeliveryTag++
			s.mu.Unlock()
		}
	}

	deliveryID := s.l.session.nextDeliveryID()
	sndSettled := s.l.senderSettleMode != nil &&
		(*s.l.senderSettleMode == frames.SenderSettleModeSettled ||
			(*s.l.senderSettleMode == frames.SenderSettleModeMixed && msg.SendSettled))

	var state any
	if tx := s.l.session.txnController; tx != nil && tx.active() {
		state = &frames.StateTransactional{TransactionID: tx.currentTxnID()}
	}

	fr := &frames.PerformTransfer{
		Handle:        s.l.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		Settled:       sndSettled,
		State:         state,
		Payload:       msg,
	}

	if err := s.l.session.txFrame(fr); err != nil {
		return nil, wrapError(ErrKindIO, err)
	}

	s.l.deliveryCount++
	s.l.linkCredit--
	debug.Log(3, "TX (Sender): link %q, available credit: %d", s.l.key.name, s.l.linkCredit)

	tr := newTracker(s, deliveryID, deliveryTag)
	if sndSettled {
		tr.muxSettleLocal(&frames.StateAccepted{})
	} else {
		s.l.session.outgoingDeliveries[deliveryID] = tr
	}
	return tr, nil
}

// Close closes the Sender and its AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.Detach(ctx, nil)
}

// Detach closes the Sender's link, optionally with an error condition.
func (s *Sender) Detach(ctx context.Context, cause *Error) error {
	ok := s.l.session.conn.exec.Run(func() {
		var re *frames.Error
		if cause != nil {
			re = &frames.Error{Condition: cause.Kind.String()}
		}
		s.l.muxClose(re)
	})
	if !ok {
		return nil
	}
	_, err := s.l.detachFuture.Wait(ctx)
	var linkErr *Error
	if errors.As(err, &linkErr) && linkErr.Kind == ErrKindUnspecified {
		return nil
	}
	return err
}

// detachOnRejectDisp mirrors go-amqp's rule: only treat a Rejected
// disposition as link-fatal when the receiver-settle-mode negotiated is
// first (ModeSecond peers send an explicit Rejected disposition that
// must be ack'd rather than tear the link down over).
func (s *Sender) detachOnRejectDisp() bool {
	if !s.closeOnDispositionError {
		return false
	}
	return s.l.receiverSettleMode == nil || *s.l.receiverSettleMode == frames.ReceiverSettleModeFirst
}
