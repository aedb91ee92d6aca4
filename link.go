package amqp

import (
	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
)

// linkKey uniquely identifies a link on a connection by name and
// direction, mirroring go-amqp's linkKey.
type linkKey struct {
	name string
	role frames.Role
}

// linkState is the per-link lifecycle state machine.
type linkState int32

const (
	linkStateInitial linkState = iota
	linkStateAttachSent
	linkStateAttached
	linkStateDetachSent
	linkStateClosed
	linkStateFailed
)

// link holds the state and attach/detach choreography common to Sender
// and Receiver. Unlike go-amqp's per-link mux goroutine, every method on
// link runs on the owning Connection's single executor — there is no
// separate link goroutine to synchronize with.
type link struct {
	key          linkKey
	handle       uint32
	remoteHandle uint32
	dynamicAddr  bool

	session           *Session
	source            *frames.Source
	target            *frames.Target
	coordinatorTarget *frames.Coordinator
	properties        map[string]any

	deliveryCount uint32
	linkCredit    uint32

	senderSettleMode   *frames.SenderSettleMode
	receiverSettleMode *frames.ReceiverSettleMode
	maxMessageSize     uint64

	state          linkState
	attachFuture   *executor.Future[struct{}]
	detachFuture   *executor.Future[struct{}]
	detachReceived bool
	doneErr        error

	// onRemoteAttach/onRemoteDetach/onFlow/onTransfer let Sender/Receiver
	// plug their own behavior into the shared attach/detach/flow
	// machinery without this type needing to know which one it is.
	onRemoteAttach func(*frames.PerformAttach)
	onRemoteDetach func()
	onFlow         func(*frames.PerformFlow)
	onTransfer     func(*frames.PerformTransfer)
}

func newLink(s *Session, r frames.Role, name string) link {
	if name == "" {
		name = s.nextLinkName(r)
	}
	return link{
		key:          linkKey{name: name, role: r},
		session:      s,
		attachFuture: executor.NewFuture[struct{}](),
		detachFuture: executor.NewFuture[struct{}](),
	}
}

// muxAttach sends the Attach performative. beforeAttach customizes the
// outgoing frame (role, target/source specifics); it must run before
// transmission and runs on the executor.
func (l *link) muxAttach(beforeAttach func(*frames.PerformAttach)) {
	if err := l.session.allocateHandle(l); err != nil {
		l.attachFuture.Complete(struct{}{}, wrapError(ErrKindIO, err))
		return
	}
	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               l.key.role,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		CoordinatorTarget:  l.coordinatorTarget,
		Properties:         l.properties,
	}
	if beforeAttach != nil {
		beforeAttach(attach)
	}
	l.state = linkStateAttachSent
	if err := l.session.txFrame(attach); err != nil {
		l.attachFuture.Complete(struct{}{}, wrapError(ErrKindIO, err))
	}
}

// muxHandleAttachResponse completes attachFuture once the remote Attach
// arrives.
func (l *link) muxHandleAttachResponse(resp *frames.PerformAttach) {
	if resp.Source == nil && resp.Target == nil && resp.CoordinatorTarget == nil {
		// peer refused to create a terminus; it will follow with a
		// Detach carrying the reason.
		return
	}
	l.remoteHandle = resp.Handle
	if l.maxMessageSize == 0 || (resp.MaxMessageSize != 0 && resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}
	l.setSettleModes(resp)
	l.state = linkStateAttached
	if l.onRemoteAttach != nil {
		l.onRemoteAttach(resp)
	}
	l.attachFuture.Complete(struct{}{}, nil)
}

func (l *link) setSettleModes(resp *frames.PerformAttach) {
	if resp.ReceiverSettleMode != nil {
		l.receiverSettleMode = resp.ReceiverSettleMode
	}
	if resp.SenderSettleMode != nil {
		l.senderSettleMode = resp.SenderSettleMode
	}
}

func (l *link) muxHandleFlow(fr *frames.PerformFlow) {
	if l.onFlow != nil {
		l.onFlow(fr)
	}
}

func (l *link) muxHandleTransfer(fr *frames.PerformTransfer) {
	if l.onTransfer != nil {
		l.onTransfer(fr)
	}
}

func (l *link) muxHandleDetach(fr *frames.PerformDetach) {
	l.detachReceived = true
	var cause *Error
	if fr.Error != nil {
		cause = newRemoteError(ErrKindLinkRemotelyClosed, fr.Error)
	}
	if l.state != linkStateDetachSent {
		// peer-initiated detach: ack it.
		_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true})
	}
	l.muxFinish(cause)
}

// muxClose sends a (possibly erroring) Detach. The remote ack, if not
// already received, is awaited asynchronously via detachFuture, which
// the caller Waits on from outside the executor.
func (l *link) muxClose(remoteErr *frames.Error) {
	if l.isTerminal() {
		return
	}
	l.state = linkStateDetachSent
	_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true, Error: remoteErr})
	if l.detachReceived {
		l.muxFinish(nil)
		return
	}
	l.session.conn.exec.Schedule(l.session.conn.opts.CloseTimeout, func() {
		if !l.detachFuture.IsDone() {
			l.muxFinish(newError(ErrKindOperationTimedOut))
		}
	})
}

// muxTerminate is invoked when the parent Session/Connection goes away;
// it completes the link's futures with cause without a detach round
// trip.
func (l *link) muxTerminate(cause *Error) {
	l.muxFinish(cause)
}

func (l *link) muxFinish(cause *Error) {
	if l.isTerminal() {
		return
	}
	if cause != nil {
		l.state = linkStateFailed
		l.doneErr = cause
	} else {
		l.state = linkStateClosed
	}
	l.session.deallocateHandle(l)
	if !l.attachFuture.IsDone() {
		l.attachFuture.Complete(struct{}{}, cause)
	}
	if !l.detachFuture.IsDone() {
		l.detachFuture.Complete(struct{}{}, cause)
	}
	if l.onRemoteDetach != nil {
		l.onRemoteDetach()
	}
}

func (l *link) isTerminal() bool {
	return l.state == linkStateClosed || l.state == linkStateFailed
}
