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

// remoteCoordinatorHandle is the fixed handle value the mock peer
// assigns to the transaction coordinator link in these tests.
const remoteCoordinatorHandle = 5

func TestBeginCommitTransaction(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)

	errCh := make(chan error, 1)
	go func() { errCh <- f.sess.BeginTransaction(context.Background()) }()

	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	require.NotNil(t, attach.CoordinatorTarget)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.CoordinatorAttach(attach.Name, remoteCoordinatorHandle))
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.FlowFrame(remoteCoordinatorHandle, 0, 1))

	declare := waitForSent[*frames.PerformTransfer](t, f.eng)
	_, ok := declare.Payload.(*frames.Declare)
	require.True(t, ok, "expected the coordinator transfer to carry a Declare body")

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.DispositionFrame(frames.RoleReceiver, 0, 0, true, &frames.StateDeclared{TransactionID: []byte("txn-1")}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BeginTransaction")
	}

	go func() { errCh <- f.sess.CommitTransaction(context.Background()) }()

	// waitForSent would return the Declare transfer again; wait for the
	// next coordinator transfer instead.
	var discharge *frames.PerformTransfer
	deadline := time.After(2 * time.Second)
	for discharge == nil {
		for _, sf := range f.eng.Sent() {
			if xfer, ok := sf.Body.(*frames.PerformTransfer); ok && xfer != declare {
				discharge = xfer
			}
		}
		if discharge == nil {
			select {
			case <-deadline:
				t.Fatal("timed out waiting for the Discharge transfer")
			case <-time.After(time.Millisecond):
			}
		}
	}
	dc, ok := discharge.Payload.(*frames.Discharge)
	require.True(t, ok, "expected the coordinator transfer to carry a Discharge body")
	require.Equal(t, []byte("txn-1"), dc.TransactionID)
	require.False(t, dc.Fail)

	_ = f.eng.DeliverFrame(f.sess.channel, mocks.DispositionFrame(frames.RoleReceiver, 1, 1, true, &frames.StateAccepted{}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CommitTransaction")
	}

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestRollbackTransactionWithoutBeginFails(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)

	err := f.sess.RollbackTransaction(context.Background())
	require.ErrorIs(t, err, ErrTransactionNotActive)

	require.NoError(t, f.conn.Close(context.Background()))
}

func TestBeginTransactionTwiceFails(t *testing.T) {
	defer leaktest.Check(t)()
	f := newTestFixture(t)

	errCh := make(chan error, 1)
	go func() { errCh <- f.sess.BeginTransaction(context.Background()) }()

	attach := waitForSent[*frames.PerformAttach](t, f.eng)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.CoordinatorAttach(attach.Name, remoteCoordinatorHandle))
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.FlowFrame(remoteCoordinatorHandle, 0, 1))
	waitForSent[*frames.PerformTransfer](t, f.eng)
	_ = f.eng.DeliverFrame(f.sess.channel, mocks.DispositionFrame(frames.RoleReceiver, 0, 0, true, &frames.StateDeclared{TransactionID: []byte("txn-2")}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BeginTransaction")
	}

	err := f.sess.BeginTransaction(context.Background())
	require.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, f.conn.Close(context.Background()))
}
