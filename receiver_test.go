package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/mocks"
)

// remoteReceiverHandle is the fixed handle value the mock peer assigns to
// every sending-side link attached in these tests.
const remoteReceiverHandle = 9

func attachReceiver(t *testing.T, f *testFixture, opts *ReceiverOptions) (*Receiver, *frames.PerformAttach) {
	t.Helper()
	rcvCh := make(chan *Receiver, 1)
	errCh := make(chan error, 1)
	go func() {
		rcv, err := f.sess.NewReceiver(context.Background(), "queue.b", opts)
		if err != nil {
			errCh <- err
			return
		}
		rcvCh <- rcv
	}()
	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.ReceiverAttach(attach.Name, remoteReceiverHandle, frames.ReceiverSettleModeFirst))
	select {
	case rcv := <-rcvCh:
		return rcv, attach
	case err := <-errCh:
		t.Fatalf("NewReceiver failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attach")
	}
	return nil, nil
}

func TestReceiveAutoAcceptModeFirst(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	rcv, _ := attachReceiver(t, f, nil)

	sent := NewMessage([]byte("hello"))
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.TransferFrame(remoteReceiverHandle, 1, []byte{1}, sent, false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := rcv.Receive(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(sent, d.Message()); diff != "" {
		t.Fatalf("received message differs from sent message (-sent +received):\n%s", diff)
	}
	require.Equal(t, 0, rcv.countUnsettled(), "auto-accept should have already settled the delivery")

	disp := waitForSent[*frames.PerformDisposition](t, f.eng)
	require.True(t, disp.Settled)
	require.IsType(t, &frames.StateAccepted{}, disp.State)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestReceiveManualAcceptModeFirst(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	noAutoAccept := false
	rcv, _ := attachReceiver(t, f, &ReceiverOptions{AutoAccept: &noAutoAccept})

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.TransferFrame(remoteReceiverHandle, 1, []byte{1}, NewMessage([]byte("hello")), false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rcv.countUnsettled())

	require.NoError(t, d.Accept(context.Background()))
	require.Equal(t, 0, rcv.countUnsettled())

	disp := waitForSent[*frames.PerformDisposition](t, f.eng)
	require.True(t, disp.Settled)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestReceiveOnClosedLinkReturnsError(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	rcv, _ := attachReceiver(t, f, nil)

	_ = f.eng.DeliverFrame(f.sess.channel, &frames.PerformDetach{Handle: remoteReceiverHandle, Closed: true, Error: &frames.Error{Condition: "amqp:resource-deleted"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := rcv.Receive(ctx)
	require.Error(t, err)

	require.NoError(t, f.conn.Close(context.Background()))
}
