package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/tabish121/proton-go/internal/debug"
	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/queue"
	"github.com/tabish121/proton-go/internal/shared"
)

type sessionState int32

const (
	sessionStateInitial sessionState = iota
	sessionStateBeginSent
	sessionStateOpen
	sessionStateEndSent
	sessionStateClosed
	sessionStateFailed
)

const dispatchQueueCapacity = 4096

// pendingAnonymousSender tracks an anonymous Sender requested before the
// remote Open (and therefore its Capabilities) is known.
type pendingAnonymousSender struct {
	sender *Sender
	fut    *executor.Future[*Sender]
}

// Session multiplexes links over a single Connection channel. All of its
// muxXxx methods run on the owning Connection's executor; the only
// goroutine a Session itself owns is its lazily-created delivery-dispatch
// executor.
type Session struct {
	conn    *Connection
	channel uint16
	state   sessionState

	beginFuture *executor.Future[*Session]
	endFuture   *executor.Future[struct{}]
	doneErr     error

	linksByName         map[string]*link
	linksByRemoteHandle map[uint32]*link
	nextHandle          uint32
	linkNameCounter     int

	incomingWindow uint32
	outgoingWindow uint32
	nextOutgoingID uint32

	// outgoingDeliveries maps a session-scoped delivery-id (assigned when
	// we transmit a Transfer) to the Tracker awaiting settlement, so an
	// incoming Disposition (which has no link handle of its own) can be
	// routed back to the right Sender.
	outgoingDeliveries map[uint32]*Tracker

	pendingAnonymous []*pendingAnonymousSender

	txnController *TransactionController

	dispatchMu   sync.Mutex
	dispatch     *dispatcher
	dispatchOnce sync.Once

	opts *SessionOptions
}

// dispatcher is the Session's single-worker delivery-dispatch executor:
// an unbounded-looking but capacity-bounded FIFO that discards its
// oldest entry on saturation rather than growing without bound, and
// silently drops submissions once closed.
type dispatcher struct {
	holder    *queue.Holder[func()]
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		holder:  queue.NewHolder(queue.New[func()](dispatchQueueCapacity)),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case q := <-d.holder.Wait():
			fn := q.Dequeue()
			d.holder.Release(q)
			if fn != nil {
				(*fn)()
			}
		case <-d.closeCh:
			return
		}
	}
}

func (d *dispatcher) submit(fn func()) {
	select {
	case <-d.closeCh:
		return
	default:
		d.holder.Enqueue(fn)
	}
}

func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.closeCh) })
	<-d.done
}

func newSession(c *Connection, opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	o := *opts
	if o.IncomingWindow == 0 {
		o.IncomingWindow = 2048
	}
	if o.OutgoingWindow == 0 {
		o.OutgoingWindow = 2048
	}
	return &Session{
		conn:                c,
		linksByName:         make(map[string]*link),
		linksByRemoteHandle: make(map[uint32]*link),
		incomingWindow:      o.IncomingWindow,
		outgoingWindow:      o.OutgoingWindow,
		outgoingDeliveries:  make(map[uint32]*Tracker),
		endFuture:           executor.NewFuture[struct{}](),
		opts:                &o,
	}
}

// muxBegin sends the Begin performative; fut is completed once the
// remote Begin arrives.
func (s *Session) muxBegin(fut *executor.Future[*Session]) {
	s.beginFuture = fut
	s.state = sessionStateBeginSent
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
	}
	if err := s.conn.eng.Send(s.channel, begin); err != nil {
		s.muxConnectionClosed(wrapError(ErrKindIO, err))
		return
	}
	timeout := s.requestTimeout()
	s.conn.exec.Schedule(timeout, func() {
		if !fut.IsDone() {
			s.muxConnectionClosed(newError(ErrKindOperationTimedOut))
		}
	})
}

func (s *Session) requestTimeout() time.Duration {
	if s.opts.RequestTimeout != 0 {
		return s.opts.RequestTimeout
	}
	return s.conn.opts.RequestTimeout
}

// muxFrameFromConn dispatches a frame the Connection's engine decoded on
// this Session's channel.
func (s *Session) muxFrameFromConn(fr frames.FrameBody) {
	switch fr := fr.(type) {
	case *frames.PerformBegin:
		s.muxHandleBegin(fr)
	case *frames.PerformEnd:
		s.muxHandleEnd(fr)
	case *frames.PerformAttach:
		s.muxHandleAttach(fr)
	case *frames.PerformFlow:
		s.muxHandleFlow(fr)
	case *frames.PerformTransfer:
		s.muxHandleTransfer(fr)
	case *frames.PerformDisposition:
		s.muxHandleDisposition(fr)
	case *frames.PerformDetach:
		s.muxHandleDetach(fr)
	default:
		debug.Log(1, "RX (session %d): unhandled frame %#v", s.channel, fr)
	}
}

func (s *Session) muxHandleBegin(fr *frames.PerformBegin) {
	if s.state != sessionStateBeginSent {
		return
	}
	s.state = sessionStateOpen
	if s.beginFuture != nil {
		s.beginFuture.Complete(s, nil)
	}
}

func (s *Session) muxHandleEnd(fr *frames.PerformEnd) {
	var cause *Error
	if fr.Error != nil {
		cause = newRemoteError(ErrKindSessionRemotelyClosed, fr.Error)
	} else {
		cause = newError(ErrKindSessionRemotelyClosed)
	}
	s.muxTerminate(cause, false)
}

func (s *Session) muxHandleAttach(fr *frames.PerformAttach) {
	l, ok := s.linksByName[fr.Name]
	if !ok {
		debug.Log(1, "RX (session %d): attach response for unknown link %q", s.channel, fr.Name)
		return
	}
	s.linksByRemoteHandle[fr.Handle] = l
	l.muxHandleAttachResponse(fr)
}

func (s *Session) muxHandleFlow(fr *frames.PerformFlow) {
	if fr.Handle == nil {
		// session-level window flow; bookkeeping only, no broker-style flow
		// enforcement.
		return
	}
	if l, ok := s.linksByRemoteHandle[*fr.Handle]; ok {
		l.muxHandleFlow(fr)
	}
}

func (s *Session) muxHandleTransfer(fr *frames.PerformTransfer) {
	if l, ok := s.linksByRemoteHandle[fr.Handle]; ok {
		l.muxHandleTransfer(fr)
	}
}

func (s *Session) muxHandleDisposition(fr *frames.PerformDisposition) {
	for id := fr.First; ; id++ {
		if tr, ok := s.outgoingDeliveries[id]; ok {
			tr.muxHandleDisposition(fr)
			if fr.Settled {
				delete(s.outgoingDeliveries, id)
			}
		}
		if id == fr.Last {
			break
		}
	}
}

func (s *Session) muxHandleDetach(fr *frames.PerformDetach) {
	// Look up by map key rather than scanning for l.remoteHandle ==
	// fr.Handle: a refused link's remoteHandle is never set
	// (link.muxHandleAttachResponse returns before assigning it), but the map entry keyed on the peer's
	// Attach-response handle was already populated in muxHandleAttach.
	if l, ok := s.linksByRemoteHandle[fr.Handle]; ok {
		l.muxHandleDetach(fr)
	}
}

// muxConnectionClosed fails every link and pending open with cause.
// Reused here for connection-level failure too, which subsumes session
// failure.
func (s *Session) muxConnectionClosed(cause *Error) {
	s.muxTerminate(cause, true)
}

func (s *Session) muxTerminate(cause *Error, fromConnection bool) {
	if s.state == sessionStateClosed || s.state == sessionStateFailed {
		return
	}
	s.state = sessionStateFailed
	s.doneErr = cause

	if s.beginFuture != nil && !s.beginFuture.IsDone() {
		s.beginFuture.Complete(nil, cause)
	}
	for _, l := range s.linksByName {
		l.muxTerminate(cause)
	}
	for _, p := range s.pendingAnonymous {
		if !p.fut.IsDone() {
			p.fut.Complete(nil, cause)
		}
	}
	s.pendingAnonymous = nil
	if !s.endFuture.IsDone() {
		s.endFuture.Complete(struct{}{}, nil)
	}
	if !fromConnection {
		s.conn.muxRemoveSession(s)
	}
	s.closeDispatchExecutor()
}

// allocateHandle assigns l its local handle and registers it by name.
func (s *Session) allocateHandle(l *link) error {
	l.handle = s.nextHandle
	s.nextHandle++
	s.linksByName[l.key.name] = l
	return nil
}

func (s *Session) deallocateHandle(l *link) {
	delete(s.linksByName, l.key.name)
	// match on the link itself, not l.remoteHandle, which a refused link
	// never had assigned.
	for h, rl := range s.linksByRemoteHandle {
		if rl == l {
			delete(s.linksByRemoteHandle, h)
		}
	}
}

func (s *Session) nextLinkName(role frames.Role) string {
	s.linkNameCounter++
	return role.String() + "-" + shared.RandString(8)
}

func (s *Session) txFrame(fr frames.FrameBody) error {
	return s.conn.eng.Send(s.channel, fr)
}

func (s *Session) nextDeliveryID() uint32 {
	id := s.nextOutgoingID
	s.nextOutgoingID++
	return id
}

// muxCapabilitiesKnown resolves every pending anonymous Sender once the
// remote Open (and thus Capabilities) is known.
func (s *Session) muxCapabilitiesKnown(caps Capabilities) {
	pending := s.pendingAnonymous
	s.pendingAnonymous = nil
	for _, p := range pending {
		if caps.AnonymousRelay {
			p.sender.muxAttach()
			p.fut.Complete(p.sender, nil)
		} else {
			p.fut.Complete(nil, newError(ErrKindUnsupportedOperation))
		}
	}
}

// --- delivery-dispatch executor ---------------------------------------

// dispatchExecutor lazily creates the single-worker executor user-
// supplied delivery handlers run on, so they never stall the Connection
// executor.
func (s *Session) dispatchExecutor() *dispatcher {
	s.dispatchOnce.Do(func() {
		s.dispatch = newDispatcher()
	})
	return s.dispatch
}

// dispatchCallback submits fn to the delivery-dispatch executor,
// preserving per-receiver order. Silently dropped if the executor has
// already closed.
func (s *Session) dispatchCallback(fn func()) {
	s.dispatchExecutor().submit(fn)
}

func (s *Session) closeDispatchExecutor() {
	s.dispatchMu.Lock()
	d := s.dispatch
	s.dispatchMu.Unlock()
	if d != nil {
		d.close()
	}
}

// --- public API ----------------------------------------------------

// Close ends the Session; idempotent, a second call returns the same
// terminal outcome as the first.
func (s *Session) Close(ctx context.Context, cause *Error) error {
	s.conn.exec.Run(func() {
		if s.state == sessionStateClosed || s.state == sessionStateFailed {
			return
		}
		s.state = sessionStateEndSent
		end := &frames.PerformEnd{}
		if cause != nil {
			end.Error = &frames.Error{Condition: cause.Kind.String()}
		}
		_ = s.txFrame(end)
		s.conn.exec.Schedule(s.requestTimeout(), func() {
			if !s.endFuture.IsDone() {
				s.muxTerminate(newError(ErrKindOperationTimedOut), false)
			}
		})
	})
	_, err := s.endFuture.Wait(ctx)
	return err
}

// NewSender opens a Sender addressed to address.
func (s *Session) NewSender(ctx context.Context, address string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(address, s, opts)
	if err != nil {
		return nil, err
	}
	fut := executor.NewFuture[*Sender]()
	ok := s.conn.exec.Run(func() {
		snd.muxAttach()
		fut.Complete(snd, nil)
	})
	if !ok {
		return nil, s.conn.closedErr()
	}
	if _, err := fut.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := snd.l.attachFuture.Wait(ctx); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewAnonymousSender opens a Sender with no preset target address, held
// pending if the peer's anonymous-relay support is not yet known.
func (s *Session) NewAnonymousSender(ctx context.Context, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender("", s, opts)
	if err != nil {
		return nil, err
	}
	snd.anonymous = true
	fut := executor.NewFuture[*Sender]()
	ok := s.conn.exec.Run(func() {
		if s.conn.openFuture.IsDone() {
			caps, err := s.conn.openFuture.Result()
			if err != nil {
				fut.Complete(nil, err)
				return
			}
			if !caps.AnonymousRelay {
				fut.Complete(nil, newError(ErrKindUnsupportedOperation))
				return
			}
			snd.muxAttach()
			fut.Complete(snd, nil)
			return
		}
		s.pendingAnonymous = append(s.pendingAnonymous, &pendingAnonymousSender{sender: snd, fut: fut})
	})
	if !ok {
		return nil, s.conn.closedErr()
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := res.l.attachFuture.Wait(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// NewReceiver opens a Receiver addressed to address ("" for a dynamic
// address, see Connection.OpenDynamicReceiver).
func (s *Session) NewReceiver(ctx context.Context, address string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(address, s, opts)
	if err != nil {
		return nil, err
	}
	fut := executor.NewFuture[*Receiver]()
	ok := s.conn.exec.Run(func() {
		rcv.muxAttach()
		fut.Complete(rcv, nil)
	})
	if !ok {
		return nil, s.conn.closedErr()
	}
	if _, err := fut.Wait(ctx); err != nil {
		return nil, err
	}
	if _, err := rcv.l.attachFuture.Wait(ctx); err != nil {
		return nil, err
	}
	return rcv, nil
}

// BeginTransaction starts a new transaction on this Session via its
// TransactionController.
func (s *Session) BeginTransaction(ctx context.Context) error {
	return s.transactionController().begin(ctx)
}

// CommitTransaction discharges the active transaction with fail=false.
func (s *Session) CommitTransaction(ctx context.Context) error {
	return s.transactionController().discharge(ctx, false)
}

// RollbackTransaction discharges the active transaction with fail=true.
func (s *Session) RollbackTransaction(ctx context.Context) error {
	return s.transactionController().discharge(ctx, true)
}

func (s *Session) transactionController() *TransactionController {
	if s.txnController == nil {
		s.txnController = newTransactionController(s)
	}
	return s.txnController
}
