package amqp

import (
	"context"
	"sync"

	"github.com/tabish121/proton-go/internal/executor"
	"github.com/tabish121/proton-go/internal/frames"
)

type txnState int32

const (
	txnStateIdle txnState = iota
	txnStateDeclaring
	txnStateActive
	txnStateDischarging
)

// TransactionController drives the Declare/Discharge coordination
// protocol over a dedicated coordinator link, giving a Session at most
// one active transaction at a time.
type TransactionController struct {
	session *Session

	mu            sync.Mutex
	state         txnState
	txnID         []byte
	coordinator   *Sender
	attachErr     error
}

// TransactionControllerOptions carries the optional settings for
// configuring a TransactionController's coordinator link.
//
// (ConnOptions/SenderOptions/etc. mirror this pattern; see options.go.)

func newTransactionController(s *Session) *TransactionController {
	return &TransactionController{session: s}
}

// active reports whether a transaction is currently in force; called
// from Sender.muxSend on the Connection executor to decide whether to
// stamp an outgoing Transfer with a TransactionalState.
func (tc *TransactionController) active() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state == txnStateActive
}

// currentTxnID returns the active transaction-id; callers must first
// confirm active() is true.
func (tc *TransactionController) currentTxnID() []byte {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.txnID
}

func (tc *TransactionController) muxCoordinator(opts *TransactionControllerOptions) *Sender {
	if tc.coordinator != nil {
		return tc.coordinator
	}
	l := newLink(tc.session, frames.RoleSender, "")
	l.coordinatorTarget = new(frames.Coordinator)
	if opts != nil {
		l.coordinatorTarget.Capabilities = opts.Capabilities
	}
	snd := &Sender{l: l, coordinator: true, autoSettle: true}
	snd.l.onRemoteDetach = func() {
		tc.mu.Lock()
		tc.attachErr = snd.l.doneErr
		tc.mu.Unlock()
	}
	tc.coordinator = snd
	return snd
}

// begin declares a new transaction. Returns ErrIllegalState if a
// transaction is already active.
func (tc *TransactionController) begin(ctx context.Context) error {
	tc.mu.Lock()
	if tc.state != txnStateIdle {
		tc.mu.Unlock()
		return ErrIllegalState
	}
	tc.state = txnStateDeclaring
	tc.mu.Unlock()

	snd := tc.muxCoordinator(nil)
	if snd.l.state == linkStateInitial {
		attachFut := executor.NewFuture[struct{}]()
		ok := tc.session.conn.exec.Run(func() {
			snd.muxAttach()
			attachFut.Complete(struct{}{}, nil)
		})
		if !ok {
			tc.muxResetIdle()
			return tc.session.conn.closedErr()
		}
		attachFut.Wait(ctx)
		if _, err := snd.l.attachFuture.Wait(ctx); err != nil {
			tc.muxResetIdle()
			return wrapError(ErrKindTransactionDeclarationFailed, err)
		}
	}

	trFut := executor.NewFuture[*Tracker]()
	ok := tc.session.conn.exec.Run(func() {
		tr, err := snd.muxSendControl(&frames.Declare{})
		trFut.Complete(tr, err)
	})
	if !ok {
		tc.muxResetIdle()
		return tc.session.conn.closedErr()
	}
	tr, err := trFut.Wait(ctx)
	if err != nil {
		tc.muxResetIdle()
		return wrapError(ErrKindTransactionDeclarationFailed, err)
	}
	state, err := tr.AwaitSettlement(ctx)
	if err != nil {
		tc.muxResetIdle()
		return wrapError(ErrKindTransactionDeclarationFailed, err)
	}
	declared, ok := state.(*frames.StateDeclared)
	if !ok {
		tc.muxResetIdle()
		return newError(ErrKindTransactionDeclarationFailed)
	}

	tc.mu.Lock()
	tc.txnID = declared.TransactionID
	tc.state = txnStateActive
	tc.mu.Unlock()
	return nil
}

// discharge ends the active transaction, committing (fail=false) or
// rolling back (fail=true) its work.
func (tc *TransactionController) discharge(ctx context.Context, fail bool) error {
	tc.mu.Lock()
	if tc.state != txnStateActive {
		tc.mu.Unlock()
		return ErrTransactionNotActive
	}
	tc.state = txnStateDischarging
	txnID := tc.txnID
	snd := tc.coordinator
	tc.mu.Unlock()

	trFut := executor.NewFuture[*Tracker]()
	ok := tc.session.conn.exec.Run(func() {
		tr, err := snd.muxSendControl(&frames.Discharge{TransactionID: txnID, Fail: fail})
		trFut.Complete(tr, err)
	})
	if !ok {
		tc.muxResetIdle()
		return tc.session.conn.closedErr()
	}
	tr, err := trFut.Wait(ctx)
	if err != nil {
		tc.muxResetIdle()
		return err
	}
	state, err := tr.AwaitSettlement(ctx)
	tc.muxResetIdle()
	if err != nil {
		return err
	}
	// Any outcome other than StateAccepted means the coordinator did not
	// honor the requested commit/rollback; report it as a rollback
	// regardless of which way fail was set, since the transaction's work
	// was not durably applied.
	if _, ok := state.(*frames.StateAccepted); !ok {
		return newError(ErrKindTransactionRolledBack)
	}
	return nil
}

func (tc *TransactionController) muxResetIdle() {
	tc.mu.Lock()
	tc.state = txnStateIdle
	tc.txnID = nil
	tc.mu.Unlock()
}

// Close closes the transaction controller's coordinator link, if one
// has been attached.
func (tc *TransactionController) Close(ctx context.Context) error {
	tc.mu.Lock()
	snd := tc.coordinator
	tc.mu.Unlock()
	if snd == nil {
		return nil
	}
	return snd.Close(ctx)
}
