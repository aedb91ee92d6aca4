package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/tabish121/proton-go/internal/frames"
	"github.com/tabish121/proton-go/internal/mocks"
)

// testFixture bundles a Connection dialed against in-memory Engine/
// Transport doubles, handshaken through Open/Begin so tests can attach
// links directly.
type testFixture struct {
	t    *testing.T
	conn *Connection
	eng  *mocks.Engine
	tp   *mocks.Transport
	sess *Session
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	eng := mocks.NewEngine()
	tp := mocks.NewTransport()

	opts := &ConnOptions{
		Transport:      tp,
		Engine:         eng,
		ContainerID:    "test-container",
		OpenTimeout:    2 * time.Second,
		CloseTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
		SendTimeout:    2 * time.Second,
	}

	connCh := make(chan *Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := connect(context.Background(), "mem://test", opts)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- c
	}()

	waitForSent[*frames.PerformOpen](t, eng)
	eng.Dispatch = func(fn func()) { eng.Handler().(*engineHandler).c.exec.Run(fn) }
	eng.DeliverOpen(mocks.OpenFrame("peer", 0))

	var conn *Connection
	select {
	case conn = <-connCh:
	case err := <-errCh:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect to complete")
	}

	sessCh := make(chan *Session, 1)
	go func() {
		s, err := conn.NewSession(context.Background(), nil)
		if err != nil {
			errCh <- err
			return
		}
		sessCh <- s
	}()
	waitForSent[*frames.PerformBegin](t, eng)
	_ = eng.DeliverFrame(0, mocks.BeginFrame(0))

	var sess *Session
	select {
	case sess = <-sessCh:
	case err := <-errCh:
		t.Fatalf("begin session failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session begin")
	}

	return &testFixture{t: t, conn: conn, eng: eng, tp: tp, sess: sess}
}

// waitForSent polls eng.Sent() until a frame of type T has been
// transmitted.
func waitForSent[T frames.FrameBody](t *testing.T, eng *mocks.Engine) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if v, ok := mocks.FindSent[T](eng); ok {
			return v
		}
		select {
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for a sent frame of type %T", zero)
			return zero
		case <-time.After(time.Millisecond):
		}
	}
}
