package amqp

import (
	"context"

	"github.com/tabish121/proton-go/internal/frames"
)

// Delivery is the inbound counterpart of Tracker: a single message
// handed to Receiver.Receive, together with the operations needed to
// settle it.
type Delivery struct {
	receiver    *Receiver
	msg         *Message
	deliveryID  uint32
	deliveryTag []byte
	settled     bool
	partial     bool
}

// Message returns the delivered message.
func (d *Delivery) Message() *Message { return d.msg }

// Tag returns the delivery's tag.
func (d *Delivery) Tag() []byte { return d.deliveryTag }

// RemoteSettled reports whether this delivery is settled: true when the
// sender settled it on transfer, and also true once this side has sent
// its own settling Disposition. The two cases are not distinguished.
func (d *Delivery) RemoteSettled() bool { return d.settled }

// Accept settles the delivery with the Accepted outcome.
func (d *Delivery) Accept(ctx context.Context) error {
	return d.Disposition(ctx, &frames.StateAccepted{})
}

// Reject settles the delivery with the Rejected outcome.
func (d *Delivery) Reject(ctx context.Context, rejectErr *Error) error {
	var re *frames.Error
	if rejectErr != nil {
		re = &frames.Error{Condition: rejectErr.Kind.String()}
	}
	return d.Disposition(ctx, &frames.StateRejected{Error: re})
}

// Release settles the delivery with the Released outcome, making it
// eligible for redelivery.
func (d *Delivery) Release(ctx context.Context) error {
	return d.Disposition(ctx, &frames.StateReleased{})
}

// Modify settles the delivery with the Modified outcome.
func (d *Delivery) Modify(ctx context.Context, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	return d.Disposition(ctx, &frames.StateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}

// Disposition settles the delivery with an arbitrary outcome, stamping
// it with the session's active transaction-id when one is in force.
func (d *Delivery) Disposition(ctx context.Context, outcome frames.DeliveryState) error {
	if d.settled {
		return nil
	}
	fut := make(chan error, 1)
	ok := d.receiver.l.session.conn.exec.Run(func() {
		fut <- d.receiver.muxDisposition(d, outcome)
	})
	if !ok {
		return d.receiver.l.session.conn.closedErr()
	}
	select {
	case err := <-fut:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
