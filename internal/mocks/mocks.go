// Package mocks provides in-memory stand-ins for the externalized
// Engine and Transport collaborators, used only by this module's own
// tests, mirroring the role go-amqp's internal/mocks plays for its
// NetConn-based tests.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/tabish121/proton-go/internal/engine"
	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/transport"
)

// SentFrame records one frame handed to Engine.Send, for assertions.
type SentFrame struct {
	Channel uint16
	Body    frames.FrameBody
}

// Engine is a test double for internal/engine.Engine. It never touches
// bytes: DeliverXxx methods invoke the bound Handler directly, standing
// in for what a real codec would do after parsing wire bytes.
type Engine struct {
	mu      sync.Mutex
	handler engine.Handler
	sink    engine.OutputSink
	sent    []SentFrame
	closed  bool

	// SendErr, if set, is returned by every call to Send.
	SendErr error

	// Dispatch, if set, wraps every DeliverXxx callback so it runs
	// through the caller's chosen scheduler (the Connection executor, in
	// this module's tests) rather than directly on the calling
	// goroutine, matching the real Input-is-only-called-from-the-
	// executor invariant engine.Handler documents.
	Dispatch func(fn func())
}

// NewEngine returns an unbound Engine double.
func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Bind(h engine.Handler, out engine.OutputSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	e.sink = out
}

// Handler returns the Handler most recently bound via Bind, or nil.
func (e *Engine) Handler() engine.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Engine) dispatch(fn func()) {
	e.mu.Lock()
	d := e.Dispatch
	e.mu.Unlock()
	if d != nil {
		done := make(chan struct{})
		d(func() { fn(); close(done) })
		<-done
		return
	}
	fn()
}

// Input is never exercised by this module's tests: DeliverFrame/
// DeliverOpen/DeliverClose inject decoded frames directly.
func (e *Engine) Input(b []byte) (int, error) { return len(b), nil }

func (e *Engine) Send(channel uint16, fr frames.FrameBody) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SendErr != nil {
		return e.SendErr
	}
	e.sent = append(e.sent, SentFrame{Channel: channel, Body: fr})
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// DeliverOpen invokes the bound Handler's HandleRemoteOpen, as if a
// codec had just decoded the peer's Open performative.
func (e *Engine) DeliverOpen(open *frames.PerformOpen) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	e.dispatch(func() { h.HandleRemoteOpen(open) })
}

// DeliverClose invokes the bound Handler's HandleRemoteClose.
func (e *Engine) DeliverClose(cause error) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	e.dispatch(func() { h.HandleRemoteClose(cause) })
}

// DeliverFrame invokes the bound Handler's HandleFrame for a single
// performative arriving on channel.
func (e *Engine) DeliverFrame(channel uint16, body frames.FrameBody) error {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	var err error
	e.dispatch(func() { err = h.HandleFrame(channel, body) })
	return err
}

// Sent returns a snapshot of every frame handed to Send, in order.
func (e *Engine) Sent() []SentFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SentFrame, len(e.sent))
	copy(out, e.sent)
	return out
}

// LastSent returns the most recently sent frame, or ok=false if none.
func (e *Engine) LastSent() (SentFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sent) == 0 {
		return SentFrame{}, false
	}
	return e.sent[len(e.sent)-1], true
}

// FindSent returns the first sent frame of type T, or ok=false if none
// was sent.
func FindSent[T frames.FrameBody](e *Engine) (T, bool) {
	var zero T
	for _, sf := range e.Sent() {
		if v, ok := sf.Body.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// Transport is a test double for internal/transport.Transport that
// never touches a real socket.
type Transport struct {
	mu        sync.Mutex
	listener  transport.Listener
	connected bool
	closed    bool
	written   [][]byte

	ConnectErr error
	WriteErr   error
}

// NewTransport returns an unconnected Transport double.
func NewTransport() *Transport { return &Transport{} }

func (t *Transport) Connect(ctx context.Context, addr string, opts *transport.TLSOptions) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) SetListener(l transport.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

func (t *Transport) WriteAndFlush(b []byte) error {
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.mu.Lock()
	t.written = append(t.written, append([]byte(nil), b...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SimulateClosed invokes the bound Listener's OnTransportClosed, as if
// the peer had dropped the connection.
func (t *Transport) SimulateClosed() {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnTransportClosed()
	}
}

// SimulateError invokes the bound Listener's OnTransportError.
func (t *Transport) SimulateError(err error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnTransportError(err)
	}
}

// --- frame builders ----------------------------------------------------
//
// These mirror go-amqp's internal/mocks frame-builder helpers (PerformOpen,
// ReceiverAttach, SenderAttach, etc.) but return the in-memory frames.*
// values this module's engine-less test harness exchanges directly,
// rather than encoded bytes.

// OpenFrame builds a minimal remote Open performative.
func OpenFrame(containerID string, channelMax uint16) *frames.PerformOpen {
	return &frames.PerformOpen{ContainerID: containerID, ChannelMax: channelMax, MaxFrameSize: 65536}
}

// BeginFrame builds a minimal remote Begin performative.
func BeginFrame(remoteChannel uint16) *frames.PerformBegin {
	ch := remoteChannel
	return &frames.PerformBegin{RemoteChannel: &ch, IncomingWindow: 2048, OutgoingWindow: 2048}
}

// SenderAttach builds the remote Attach response to a locally-initiated
// sending link, granting initial credit via a follow-up Flow (see
// FlowFrame).
func SenderAttach(name string, handle uint32, mode frames.ReceiverSettleMode) *frames.PerformAttach {
	m := mode
	return &frames.PerformAttach{
		Name:               name,
		Handle:             handle,
		Role:               frames.RoleReceiver,
		ReceiverSettleMode: &m,
		Target:             &frames.Target{Address: "test"},
		Source:             &frames.Source{Address: "test"},
	}
}

// ReceiverAttach builds the remote Attach response to a locally-
// initiated receiving link.
func ReceiverAttach(name string, handle uint32, mode frames.ReceiverSettleMode) *frames.PerformAttach {
	m := mode
	return &frames.PerformAttach{
		Name:               name,
		Handle:             handle,
		Role:               frames.RoleSender,
		ReceiverSettleMode: &m,
		Target:             &frames.Target{Address: "test"},
		Source:             &frames.Source{Address: "test"},
	}
}

// CoordinatorAttach builds the remote Attach response to a locally-
// initiated transaction coordinator link.
func CoordinatorAttach(name string, handle uint32) *frames.PerformAttach {
	return &frames.PerformAttach{
		Name:              name,
		Handle:            handle,
		Role:              frames.RoleReceiver,
		CoordinatorTarget: &frames.Coordinator{},
	}
}

// FlowFrame builds a Flow performative granting credit linkCredit to
// handle.
func FlowFrame(handle uint32, deliveryCount, linkCredit uint32) *frames.PerformFlow {
	h, dc, lc := handle, deliveryCount, linkCredit
	return &frames.PerformFlow{Handle: &h, DeliveryCount: &dc, LinkCredit: &lc}
}

// TransferFrame builds a Transfer performative carrying msg to handle.
func TransferFrame(handle uint32, deliveryID uint32, deliveryTag []byte, msg any, settled bool) *frames.PerformTransfer {
	id := deliveryID
	return &frames.PerformTransfer{
		Handle:      handle,
		DeliveryID:  &id,
		DeliveryTag: deliveryTag,
		Settled:     settled,
		Payload:     msg,
	}
}

// DispositionFrame builds a Disposition performative settling
// [first,last] with state.
func DispositionFrame(role frames.Role, first, last uint32, settled bool, state any) *frames.PerformDisposition {
	return &frames.PerformDisposition{Role: role, First: first, Last: last, Settled: settled, State: state}
}

// DetachFrame builds a Detach performative for handle, optionally
// carrying an error condition.
func DetachFrame(handle uint32, condition string) *frames.PerformDetach {
	d := &frames.PerformDetach{Handle: handle, Closed: true}
	if condition != "" {
		d.Error = &frames.Error{Condition: condition}
	}
	return d
}

// EndFrame builds an End performative, optionally carrying an error
// condition.
func EndFrame(condition string) *frames.PerformEnd {
	e := &frames.PerformEnd{}
	if condition != "" {
		e.Error = &frames.Error{Condition: condition}
	}
	return e
}

// CloseFrame builds a Close performative, optionally carrying an error
// condition.
func CloseFrame(condition string) *frames.PerformClose {
	c := &frames.PerformClose{}
	if condition != "" {
		c.Error = &frames.Error{Condition: condition}
	}
	return c
}

// UnhandledFrame is returned by test responder funcs for frame types a
// given test does not expect to see.
func UnhandledFrame(fr frames.FrameBody) error {
	return fmt.Errorf("mocks: unhandled frame %T", fr)
}
