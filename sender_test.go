package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/mocks"
)

// remoteSenderHandle is the fixed handle value the mock peer assigns to
// every sending link attached in these tests.
const remoteSenderHandle = 1

func attachSender(t *testing.T, f *testFixture, opts *SenderOptions) (*Sender, *frames.PerformAttach) {
	t.Helper()
	sndCh := make(chan *Sender, 1)
	errCh := make(chan error, 1)
	go func() {
		snd, err := f.sess.NewSender(context.Background(), "queue.a", opts)
		if err != nil {
			errCh <- err
			return
		}
		sndCh <- snd
	}()
	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.SenderAttach(attach.Name, remoteSenderHandle, frames.ReceiverSettleModeFirst))
	select {
	case snd := <-sndCh:
		return snd, attach
	case err := <-errCh:
		t.Fatalf("NewSender failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attach")
	}
	return nil, nil
}

func TestSendBlocksUntilCreditArrives(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	snd, attach := attachSender(t, f, nil)

	resCh := make(chan *Tracker, 1)
	errCh := make(chan error, 1)
	go func() {
		tr, err := snd.Send(context.Background(), NewMessage([]byte("hello")), nil)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- tr
	}()

	select {
	case <-resCh:
		t.Fatal("Send should not have completed before credit arrived")
	case <-errCh:
		t.Fatal("Send should not have failed")
	case <-time.After(100 * time.Millisecond):
	}

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.FlowFrame(remoteSenderHandle, 0, 1))

	xfer := waitForSent[*frames.PerformTransfer](t, f.eng)
	require.Equal(t, attach.Handle, xfer.Handle)

	var tr *Tracker
	select {
	case tr = <-resCh:
	case err := <-errCh:
		t.Fatalf("Send failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send to complete")
	}
	require.NotNil(t, tr)
	require.False(t, tr.Settled())

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.DispositionFrame(frames.RoleReceiver, 0, 0, true, &frames.StateAccepted{}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := tr.AwaitSettlement(ctx)
	require.NoError(t, err)
	require.IsType(t, &frames.StateAccepted{}, state)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestSendTimesOutWithNoCredit(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	snd, _ := attachSender(t, f, &SenderOptions{SendTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	require.Error(t, err)
	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	require.Equal(t, ErrKindSendTimedOut, amqpErr.Kind)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestTrySendReturnsNilWithoutCredit(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	snd, _ := attachSender(t, f, nil)

	tr, err := snd.TrySend(context.Background(), NewMessage([]byte("hi")), nil)
	require.NoError(t, err)
	require.Nil(t, tr)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestSendSettledModeCompletesImmediately(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)
	snd, _ := attachSender(t, f, &SenderOptions{DeliveryMode: AtMostOnce})

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.FlowFrame(remoteSenderHandle, 0, 1))

	tr, err := snd.Send(context.Background(), NewMessage([]byte("hi")), nil)
	require.NoError(t, err)
	require.True(t, tr.Settled())

	xfer := waitForSent[*frames.PerformTransfer](t, f.eng)
	require.True(t, xfer.Settled)

	require.NoError(t, f.conn.Close(context.Background()))
}
