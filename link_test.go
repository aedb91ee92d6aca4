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

func TestSenderAttachAndDetach(t *testing.T) {
	defer leaktest.Check(t)()

	f := newTestFixture(t)

	sndCh := make(chan *Sender, 1)
	errCh := make(chan error, 1)
	go func() {
		snd, err := f.sess.NewSender(context.Background(), "queue.a", nil)
		if err != nil {
			errCh <- err
			return
		}
		sndCh <- snd
	}()

	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	require.Equal(t, frames.RoleSender, attach.Role)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.SenderAttach(attach.Name, 77, frames.ReceiverSettleModeFirst))

	var snd *Sender
	select {
	case snd = <-sndCh:
	case err := <-errCh:
		t.Fatalf("NewSender failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attach")
	}
	require.Equal(t, "queue.a", snd.Address())

	closeCh := make(chan error, 1)
	go func() { closeCh <- snd.Close(context.Background()) }()

	detach := waitForDetach(t, f.eng, attach.Handle)
	require.True(t, detach.Closed)
	_ = f.eng.DeliverFrame(f.sess.channel, &frames.PerformDetach{Handle: 77, Closed: true})

	select {
	case err := <-closeCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close")
	}

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestReceiverAttachRefused(t *testing.T) {
	defer leaktest.Check(t)()

	f := newTestFixture(t)

	rcvCh := make(chan *Receiver, 1)
	errCh := make(chan error, 1)
	go func() {
		rcv, err := f.sess.NewReceiver(context.Background(), "queue.b", nil)
		if err != nil {
			errCh <- err
			return
		}
		rcvCh <- rcv
	}()

	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	// peer refuses the terminus: Attach response with no Source/Target,
	// followed by a Detach carrying the reason.
	_ = f.eng.DeliverFrame(f.sess.channel, &frames.PerformAttach{Name: attach.Name, Handle: 55, Role: frames.RoleSender})
	_ = f.eng.DeliverFrame(f.sess.channel, &frames.PerformDetach{Handle: 55, Closed: true, Error: &frames.Error{Condition: "amqp:not-found"}})

	select {
	case <-rcvCh:
		t.Fatal("expected NewReceiver to fail")
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refusal")
	}

	require.NoError(t, f.conn.Close(context.Background()))
}

// waitForDetach polls the sent frames for a Detach matching handle.
func waitForDetach(t *testing.T, eng *mocks.Engine, handle uint32) *frames.PerformDetach {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, sf := range eng.Sent() {
			if d, ok := sf.Body.(*frames.PerformDetach); ok && d.Handle == handle {
				return d
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Detach")
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}
