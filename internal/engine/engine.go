// Package engine declares the pluggable protocol-engine seam this
// module consumes but does not implement: the byte-level AMQP codec and
// frame parser live behind this interface.
// and §6 describe: "the core consumes a codec library that
// produces/parses these [frames]; it does not itself define the
// encoding." Nothing in this package implements AMQP encoding — it is
// the interface the core (conn.go) drives, and the contract a concrete
// codec/engine implementation must satisfy. internal/mocks supplies the
// only concrete implementation in this module, and it exists solely to
// drive tests.
package engine

import "github.com/tabish121/proton-go/internal/frames"

// Handler receives callbacks from an Engine as frames are decoded or the
// remote peer changes connection/session/link state. All methods are
// invoked synchronously from within a call to Engine.Input, so a Handler
// may safely mutate state the Connection executor already owns.
type Handler interface {
	// HandleFrame is invoked once per decoded performative, tagged with
	// the channel it arrived on.
	HandleFrame(channel uint16, body frames.FrameBody) error

	// HandleRemoteOpen is invoked when the peer's Open performative has
	// been decoded, before HandleFrame sees it.
	HandleRemoteOpen(open *frames.PerformOpen)

	// HandleRemoteClose is invoked when the peer's Close performative has
	// been decoded, or the engine itself detects a fatal protocol error.
	HandleRemoteClose(err error)
}

// Engine is the pluggable bytes<->frames codec and framer the core
// drives from the Connection's single-threaded executor. A concrete
// Engine is never called from more than one goroutine at a time: it is
// not thread-safe and is only touched from the Connection's executor.
type Engine interface {
	// Bind attaches the Handler the engine delivers decoded frames and
	// lifecycle callbacks to, and the sink the engine writes outbound
	// bytes to.
	Bind(h Handler, out OutputSink)

	// Input feeds received bytes into the engine. It returns the number
	// of bytes consumed; any remainder must be retained by the caller
	// (the transport adapter) and represented again on the next call.
	Input(b []byte) (consumed int, err error)

	// Send encodes fr for transmission on channel and hands the result to
	// the bound OutputSink. The engine does not interpret a Transfer's
	// Done field.
	Send(channel uint16, fr frames.FrameBody) error

	// Close tells the engine no further frames will be sent; it may
	// still deliver buffered inbound frames via Input.
	Close() error
}

// OutputSink is where an Engine writes the bytes it produces. It is
// implemented by the Transport adapter (internal/transport) and, in
// tests, by internal/mocks.
type OutputSink interface {
	WriteAndFlush(b []byte) error
}
