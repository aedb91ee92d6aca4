package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tabish121/proton-go/internal/debug"
	"github.com/tabish121/proton-go/internal/engine"
	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/transport"
)

// connState is the Connection lifecycle state machine.
type connState int32

const (
	connStateInitial connState = iota
	connStateConnecting
	connStateOpen
	connStateClosing
	connStateClosed
	connStateFailed
)

// Connection owns a single transport, the protocol engine driving it, the
// per-connection executor that serializes every mutation of the stack it
// owns, and the root Session.
type Connection struct {
	opts *ConnOptions

	exec *executor.Executor
	tp   transport.Transport
	eng  engine.Engine

	state atomic.Int32

	// failureCause is set exactly once, by the first writer.
	failureOnce  sync.Once
	failureCause atomic.Pointer[Error]

	closedFlag atomic.Bool
	closeOnce  sync.Once

	openFuture  *executor.Future[Capabilities]
	closeFuture *executor.Future[struct{}]
	cancelOpenTimeout  func()
	cancelCloseTimeout func()

	mu            sync.Mutex // guards the fields below; touched only from the executor, but Close() reads closeFuture from caller goroutines
	sessions      map[uint16]*Session
	nextChannel   uint16
	rootSession   *Session
	connSender    *Sender
	pending       map[uint64]pendingRequest
	nextRequestID uint64

	capabilities     Capabilities
	peerMaxFrameSize uint32
	containerID      string
}

// pendingRequest is a request-future registered for cancellation on
// Connection failure/close.
type pendingRequest struct {
	cancel func(err error)
}

func generateContainerID() string {
	return "proton-go-" + fmt.Sprintf("%d", time.Now().UnixNano())
}

// connect establishes the transport, wires the engine, and issues Open.
// It is the implementation behind Dial.
func connect(ctx context.Context, addr string, opts *ConnOptions) (*Connection, error) {
	if opts == nil || opts.Transport == nil || opts.Engine == nil {
		return nil, errors.New("amqp: ConnOptions.Transport and ConnOptions.Engine are required")
	}
	o := opts.withDefaults()

	c := &Connection{
		opts:        o,
		exec:        executor.New(),
		tp:          o.Transport,
		eng:         o.Engine,
		sessions:    make(map[uint16]*Session),
		pending:     make(map[uint64]pendingRequest),
		openFuture:  executor.NewFuture[Capabilities](),
		closeFuture: executor.NewFuture[struct{}](),
		containerID: o.ContainerID,
	}
	c.state.Store(int32(connStateConnecting))

	if err := c.tp.Connect(ctx, addr, o.TLS); err != nil {
		c.exec.Close()
		return nil, wrapError(ErrKindIO, err)
	}
	c.tp.SetListener(&transportListener{c: c})
	c.eng.Bind(&engineHandler{c: c}, &outputSink{c: c})

	c.exec.Run(func() { c.muxSendOpen() })

	deadline := o.OpenTimeout
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	caps, err := c.openFuture.Wait(waitCtx)
	if err != nil {
		// the open_timeout fires from inside the executor and will move
		// us to failed on its own; if the caller's ctx was merely shorter
		// than open_timeout we still return promptly.
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, newError(ErrKindOperationTimedOut)
		}
		return nil, err
	}
	c.capabilities = caps
	return c, nil
}

func (c *Connection) muxSendOpen() {
	open := &frames.PerformOpen{
		ContainerID:         c.containerID,
		Hostname:            c.opts.VHost,
		MaxFrameSize:        c.opts.MaxFrameSize,
		ChannelMax:          c.opts.ChannelMax,
		IdleTimeout:         uint32(c.opts.IdleTimeout / time.Millisecond),
		OfferedCapabilities: c.opts.OfferedCapabilities,
		DesiredCapabilities: c.opts.DesiredCapabilities,
		Properties:          c.opts.Properties,
	}
	if err := c.eng.Send(0, open); err != nil {
		c.muxFail(wrapError(ErrKindIO, err))
		return
	}
	c.cancelOpenTimeout = c.exec.Schedule(c.opts.OpenTimeout, func() {
		if !c.openFuture.IsDone() {
			c.muxFail(newError(ErrKindOperationTimedOut))
		}
	})
}

// --- engine.Handler -------------------------------------------------

type engineHandler struct{ c *Connection }

func (h *engineHandler) HandleRemoteOpen(open *frames.PerformOpen) {
	c := h.c
	c.mu.Lock()
	c.peerMaxFrameSize = open.MaxFrameSize
	c.mu.Unlock()
	caps := capabilitiesFromOpen(open)
	if c.cancelOpenTimeout != nil {
		c.cancelOpenTimeout()
	}
	c.state.Store(int32(connStateOpen))
	c.openFuture.Complete(caps, nil)

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.muxCapabilitiesKnown(caps)
	}
	if c.opts.ConnectedHandler != nil {
		go c.opts.ConnectedHandler()
	}
}

func (h *engineHandler) HandleRemoteClose(err error) {
	var amqpErr *Error
	if err != nil {
		amqpErr = wrapError(ErrKindConnectionRemotelyClosed, err)
	} else {
		amqpErr = newError(ErrKindConnectionRemotelyClosed)
	}
	h.c.muxFail(amqpErr)
}

func (h *engineHandler) HandleFrame(channel uint16, body frames.FrameBody) error {
	c := h.c
	switch fr := body.(type) {
	case *frames.PerformClose:
		var re *frames.Error
		if fr.Error != nil {
			re = fr.Error
		}
		c.muxFail(newRemoteError(ErrKindConnectionRemotelyClosed, re))
		return nil
	default:
		c.mu.Lock()
		s, ok := c.sessions[channel]
		c.mu.Unlock()
		if !ok {
			debug.Log(1, "RX (conn): frame on unknown channel %d: %#v", channel, fr)
			return nil
		}
		s.muxFrameFromConn(fr)
		return nil
	}
}

// --- transport.Listener ---------------------------------------------

type transportListener struct{ c *Connection }

func (l *transportListener) OnData(b []byte) {
	// copy: the transport may reuse b's backing array after this call
	// returns, but the executor task runs asynchronously.
	buf := append([]byte(nil), b...)
	l.c.exec.Run(func() { l.c.muxHandleData(buf) })
}

func (l *transportListener) OnTransportClosed() {
	l.c.exec.Run(func() {
		l.c.muxFail(newError(ErrKindConnectionRemotelyClosed))
	})
}

func (l *transportListener) OnTransportError(err error) {
	l.c.exec.Run(func() {
		l.c.muxFail(wrapError(ErrKindIO, err))
	})
}

func (c *Connection) muxHandleData(b []byte) {
	for len(b) > 0 {
		n, err := c.eng.Input(b)
		if err != nil {
			c.muxFail(wrapError(ErrKindIO, err))
			return
		}
		if n <= 0 {
			// engine needs more bytes than currently available; the
			// transport adapter retains the remainder, but since Input
			// already received the full chunk, a
			// non-positive n here means no progress is possible yet.
			return
		}
		b = b[n:]
	}
}

// --- OutputSink -------------------------------------------------------

type outputSink struct{ c *Connection }

func (o *outputSink) WriteAndFlush(b []byte) error {
	return o.c.tp.WriteAndFlush(b)
}

// --- failure propagation ----------------------------------------------

// muxFail moves the Connection to failed and propagates the cause to
// every Session, every pending request, and both lifecycle futures.
func (c *Connection) muxFail(cause *Error) {
	first := false
	c.failureOnce.Do(func() {
		first = true
		c.failureCause.Store(cause)
	})
	if !first {
		return
	}

	c.state.Store(int32(connStateFailed))
	c.closedFlag.Store(true)

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	pending := make([]pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.pending = make(map[uint64]pendingRequest)
	c.mu.Unlock()

	for _, s := range sessions {
		s.muxConnectionClosed(cause)
	}
	for _, p := range pending {
		p.cancel(cause)
	}

	c.openFuture.Complete(Capabilities{}, cause)
	c.closeFuture.Complete(struct{}{}, nil)

	_ = c.tp.Close()
	// failure is a terminal state like a clean close; stop the worker the
	// same non-blocking way muxFinishClose does.
	c.exec.Shutdown()
	if c.opts.FailedHandler != nil {
		go c.opts.FailedHandler(cause)
	}
}

// Err returns the Connection's failure cause, or nil if it has not
// failed.
func (c *Connection) Err() error {
	if v := c.failureCause.Load(); v != nil {
		return v
	}
	return nil
}

// --- public API --------------------------------------------------------

// Close shuts the Connection down, idempotently: a second call returns
// the same terminal outcome as the first.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closedFlag.Store(true)
		c.exec.Run(func() { c.muxClose() })
	})
	_, err := c.closeFuture.Wait(ctx)
	if err == nil {
		// closeFuture only resolves once muxFinishClose/muxFail has
		// signalled the executor to shut down (Shutdown there is
		// non-blocking by necessity, called as it is from the worker's own
		// goroutine); wait for the worker to actually exit here, on the
		// caller's goroutine, before returning.
		<-c.exec.Done()
		if cause := c.Err(); cause != nil {
			if cause.Kind != ErrKindConnectionRemotelyClosed || c.wasRemoteInitiated() {
				return nil
			}
		}
	}
	return err
}

func (c *Connection) wasRemoteInitiated() bool { return true }

func (c *Connection) muxClose() {
	if connState(c.state.Load()) == connStateClosed || connState(c.state.Load()) == connStateFailed {
		return
	}
	c.state.Store(int32(connStateClosing))
	if err := c.eng.Send(0, &frames.PerformClose{}); err != nil {
		c.muxFinishClose()
		return
	}
	c.cancelCloseTimeout = c.exec.Schedule(c.opts.CloseTimeout, func() {
		c.muxFinishClose()
	})
}

func (c *Connection) muxFinishClose() {
	if c.closeFuture.IsDone() {
		return
	}
	c.state.Store(int32(connStateClosed))
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.muxConnectionClosed(newError(ErrKindClosed))
	}
	_ = c.tp.Close()
	c.closeFuture.Complete(struct{}{}, nil)
	// muxFinishClose runs on the executor's own worker goroutine: Shutdown
	// only signals the worker to drain and exit, it never blocks waiting
	// for that exit (which would deadlock against itself). Callers that
	// need the worker to have fully exited wait on Done() instead, from
	// outside the executor — see Connection.Close.
	c.exec.Shutdown()
}

// NewSession opens a new Session on the Connection.
func (c *Connection) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	return c.openSession(ctx, opts)
}

func (c *Connection) openSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	fut := executor.NewFuture[*Session]()
	ok := c.exec.Run(func() {
		s := newSession(c, opts)
		c.mu.Lock()
		s.channel = c.nextChannel
		c.nextChannel++
		c.sessions[s.channel] = s
		c.mu.Unlock()
		s.muxBegin(fut)
	})
	if !ok {
		return nil, c.closedErr()
	}
	return fut.Wait(c.requestCtx(ctx))
}

func (c *Connection) closedErr() error {
	if cause := c.Err(); cause != nil {
		return cause
	}
	return newError(ErrKindClosed)
}

func (c *Connection) requestCtx(ctx context.Context) context.Context {
	return ctx
}

// muxDefaultSession lazily creates the Connection-level default Session
// used by OpenSender/OpenReceiver/Send convenience methods. Must only
// be called from the executor.
func (c *Connection) muxDefaultSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rootSession != nil {
		return c.rootSession
	}
	s := newSession(c, nil)
	s.channel = c.nextChannel
	c.nextChannel++
	c.sessions[s.channel] = s
	c.rootSession = s
	fut := executor.NewFuture[*Session]()
	s.muxBegin(fut)
	return s
}

func (c *Connection) muxRemoveSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.channel)
	if c.rootSession == s {
		c.rootSession = nil
	}
	c.mu.Unlock()
}

// OpenSender opens a Sender on the Connection's default Session.
func (c *Connection) OpenSender(ctx context.Context, address string, opts *SenderOptions) (*Sender, error) {
	fut := executor.NewFuture[*Session]()
	ok := c.exec.Run(func() { fut.Complete(c.muxDefaultSession(), nil) })
	if !ok {
		return nil, c.closedErr()
	}
	s, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.NewSender(ctx, address, opts)
}

// OpenAnonymousSender opens a new anonymous ("any address") Sender on
// the Connection's default Session. Each call opens a separate Sender.
func (c *Connection) OpenAnonymousSender(ctx context.Context, opts *SenderOptions) (*Sender, error) {
	fut := executor.NewFuture[*Session]()
	ok := c.exec.Run(func() { fut.Complete(c.muxDefaultSession(), nil) })
	if !ok {
		return nil, c.closedErr()
	}
	s, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.NewAnonymousSender(ctx, opts)
}

// OpenReceiver opens a Receiver on the Connection's default Session.
func (c *Connection) OpenReceiver(ctx context.Context, address string, opts *ReceiverOptions) (*Receiver, error) {
	fut := executor.NewFuture[*Session]()
	ok := c.exec.Run(func() { fut.Complete(c.muxDefaultSession(), nil) })
	if !ok {
		return nil, c.closedErr()
	}
	s, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.NewReceiver(ctx, address, opts)
}

// OpenDynamicReceiver opens a Receiver whose source address is assigned
// by the peer.
func (c *Connection) OpenDynamicReceiver(ctx context.Context, props map[string]any, opts *ReceiverOptions) (*Receiver, error) {
	if opts == nil {
		opts = &ReceiverOptions{}
	}
	cp := *opts
	if cp.SourceOptions == nil {
		cp.SourceOptions = &SourceOptions{}
	}
	so := *cp.SourceOptions
	so.Dynamic = true
	cp.SourceOptions = &so
	return c.OpenReceiver(ctx, "", &cp)
}

// Send sends a message using the Connection-level anonymous sender,
// opening it on first use.
func (c *Connection) Send(ctx context.Context, msg *Message, opts *SendOptions) error {
	c.mu.Lock()
	snd := c.connSender
	c.mu.Unlock()
	if snd == nil {
		opened, err := c.OpenAnonymousSender(ctx, nil)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.connSender == nil {
			c.connSender = opened
		}
		snd = c.connSender
		c.mu.Unlock()
	}
	_, err := snd.Send(ctx, msg, opts)
	return err
}
