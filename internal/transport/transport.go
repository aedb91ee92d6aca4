// Package transport declares the pluggable stream-transport seam this
// module consumes but does not implement: TCP/TLS dialing and framing
// live behind this interface.
// §6 describes. Nothing here implements TCP or TLS; a concrete adapter
// (not part of this module) dials the socket and satisfies this
// interface, and internal/mocks supplies an in-memory stand-in for
// tests.
package transport

import "context"

// Listener receives asynchronous events from a Transport. All calls are
// expected to be forwarded onto the owning Connection's executor by the
// caller — a Listener implementation must not itself mutate Connection
// state directly.
type Listener interface {
	OnData(b []byte)
	OnTransportClosed()
	OnTransportError(err error)
}

// Transport is the pluggable connected-stream abstraction. Connect
// returns once the underlying stream is established; the core then binds
// a Listener via SetListener before driving the protocol engine. A
// Transport implementation must retain any bytes an Engine did not
// consume from a prior OnData call and represent them (prefixed to the
// next chunk) on the following call, since the engine may only
// have a partial frame buffered.
type Transport interface {
	Connect(ctx context.Context, addr string, opts *TLSOptions) error
	SetListener(l Listener)
	WriteAndFlush(b []byte) error
	Close() error
}

// TLSOptions is a structured option record for transport-level TLS
// parameters.
type TLSOptions struct {
	Enabled          bool
	KeyStorePath     string
	KeyStorePassword string
	TrustStorePath   string
	VerifyPeer       bool
	ServerNameOverride string
	EnabledProtocols   []string
	EnabledCipherSuites []string
}
