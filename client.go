package amqp

import "context"

// Client is the top-level entry point: it owns a single Connection and
// exposes Session/Sender/Receiver conveniences at the Client level.
type Client struct {
	conn *Connection
}

// Dial establishes a Connection to addr using opts.Transport and
// opts.Engine as the concrete collaborators for the network transport
// and the byte codec. No SASL exchange is performed: opts.SASLEnabled and
// opts.Authenticator are not consulted. It is the only constructor this
// module provides; there is no package-level default Transport/Engine.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Client, error) {
	conn, err := connect(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Connection returns the underlying Connection.
func (c *Client) Connection() *Connection { return c.conn }

// NewSession opens a new Session on the Client's Connection.
func (c *Client) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	return c.conn.NewSession(ctx, opts)
}

// NewSender opens a Sender on the Client's default Session.
func (c *Client) NewSender(ctx context.Context, address string, opts *SenderOptions) (*Sender, error) {
	return c.conn.OpenSender(ctx, address, opts)
}

// NewReceiver opens a Receiver on the Client's default Session.
func (c *Client) NewReceiver(ctx context.Context, address string, opts *ReceiverOptions) (*Receiver, error) {
	return c.conn.OpenReceiver(ctx, address, opts)
}

// Close closes the underlying Connection.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
