package txflow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revertprobe/internal/contract"
	"revertprobe/internal/contracts"
	"revertprobe/internal/history"
	"revertprobe/internal/session"
	"revertprobe/internal/wallet"
	"revertprobe/internal/wallet/wallettest"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	refreshFail int
}

func (o *recordingObserver) Transition(op string, phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, op+":"+phase.String())
}

func (o *recordingObserver) RefreshFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshFail++
}

func (o *recordingObserver) count(entry string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.transitions {
		if e == entry {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T, opts ...Option) (*Controller, *session.Manager) {
	t.Helper()
	m := session.NewManager(session.Sepolia)
	chain, err := contract.New(contract.Config{
		Address:      common.HexToAddress(contracts.RevertProbeAddress),
		ChainID:      session.Sepolia.ChainID,
		PollInterval: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("contract client: %v", err)
	}
	ctl, err := NewController(Config{
		Operations:      []string{"simpleSuccess", "catchRevertAndSucceed"},
		CounterFunction: "getSuccessCount",
	}, m, chain, opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctl, m
}

func connect(t *testing.T, m *session.Manager, w *wallettest.Wallet) {
	t.Helper()
	if _, err := m.Connect(context.Background(), w.Detail("uuid-1", "Test")); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func waitForPhase(t *testing.T, ctl *Controller, name string, phase Phase) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := ctl.Status(name)
		if st.Phase == phase {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never reached %s, last %s", name, phase, st.Phase)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExecuteWithoutSessionIsNotConnected(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	ctl, _ := newFixture(t)

	if _, err := ctl.Execute(context.Background(), "simpleSuccess"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	for _, s := range ctl.Statuses() {
		if s.Status.Phase != Idle {
			t.Fatalf("%s moved to %s", s.Name, s.Status.Phase)
		}
	}
	if w.Calls("") != 0 {
		t.Fatalf("no wallet request expected")
	}
}

func TestSimpleSuccessIncrementsCounter(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.SetCounter(5)
	w.SetBalance(big.NewInt(1e18))
	w.MineAfter(2)
	ctl, m := newFixture(t)
	connect(t, m, w)

	snap := ctl.Snapshot()
	if snap.Counter == nil || snap.Counter.Int64() != 5 {
		t.Fatalf("expected initial counter 5, got %v", snap.Counter)
	}
	if snap.Balance == nil || snap.Balance.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("unexpected balance %v", snap.Balance)
	}

	st, err := ctl.Execute(context.Background(), "simpleSuccess")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.Phase != Confirmed || st.TxHash == (common.Hash{}) || st.Err() != nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := ctl.Snapshot().Counter; got.Int64() != 6 {
		t.Fatalf("expected counter 6, got %s", got)
	}
}

func TestCatchRevertAndSucceedConfirms(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.SetCounter(6)
	ctl, m := newFixture(t)
	connect(t, m, w)

	st, err := ctl.Execute(context.Background(), "catchRevertAndSucceed")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.Phase != Confirmed {
		t.Fatalf("expected confirmed, got %+v", st)
	}
	if got := ctl.Snapshot().Counter; got.Int64() != 7 {
		t.Fatalf("expected counter 7, got %s", got)
	}
	if other, _ := ctl.Status("simpleSuccess"); other.Phase != Idle {
		t.Fatalf("other operation changed to %s", other.Phase)
	}
}

func TestUserRejectionCancels(t *testing.T) {
	cases := map[string]error{
		"code":          &wallet.RequestError{Code: wallet.CodeUserRejected, Message: "Request denied"},
		"mixed case":    errors.New("MetaMask Tx Signature: User Rejected the request."),
		"denied":        errors.New("USER DENIED transaction signature"),
		"rejected by":   errors.New("Transaction was rejected by user"),
		"british spell": errors.New("user cancelled"),
		"us spell":      errors.New("User canceled the signing"),
	}
	for name, rejection := range cases {
		t.Run(name, func(t *testing.T) {
			w := wallettest.New(session.Sepolia.ChainID, alice)
			w.FailSend(rejection)
			ctl, m := newFixture(t)
			connect(t, m, w)

			st, err := ctl.Execute(context.Background(), "simpleSuccess")
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if st.Phase != Cancelled || st.Reason != "" {
				t.Fatalf("expected cancelled without reason, got %+v", st)
			}
			if !errors.Is(st.Err(), ErrUserCancelled) {
				t.Fatalf("expected ErrUserCancelled, got %v", st.Err())
			}
		})
	}
}

func TestSubmissionFailureKeepsRawMessage(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.FailSend(&wallet.RequestError{Code: -32000, Message: "insufficient funds for gas * price + value"})
	ctl, m := newFixture(t)
	connect(t, m, w)

	st, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if st.Phase != Failed {
		t.Fatalf("expected failed, got %s", st.Phase)
	}
	if st.Reason != "insufficient funds for gas * price + value" {
		t.Fatalf("unexpected reason %q", st.Reason)
	}
	if st.TxHash != (common.Hash{}) {
		t.Fatalf("no hash expected, got %s", st.TxHash)
	}
	if !errors.Is(st.Err(), ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", st.Err())
	}
}

func TestRevertedTransactionFails(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.SetCounter(3)
	w.Revert("simpleSuccess")
	ctl, m := newFixture(t)
	connect(t, m, w)

	st, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if st.Phase != Failed || st.Reason != "transaction reverted" || st.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected status %+v", st)
	}
	if !errors.Is(st.Err(), ErrExecutionReverted) {
		t.Fatalf("expected ErrExecutionReverted, got %v", st.Err())
	}
	if w.Counter() != 3 {
		t.Fatalf("counter must not move, got %d", w.Counter())
	}
}

func TestRejectionAfterSubmissionIsFailure(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.FailReceipts(wallettest.ErrUserRejected)
	ctl, m := newFixture(t)
	connect(t, m, w)

	st, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if st.Phase != Failed || st.TxHash == (common.Hash{}) {
		t.Fatalf("expected failed with hash, got %+v", st)
	}
	if errors.Is(st.Err(), ErrSubmissionFailed) {
		t.Fatalf("a broadcast transaction is not a submission failure")
	}
}

func TestReexecuteAfterTerminalPhaseRestarts(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	obs := &recordingObserver{}
	ctl, m := newFixture(t, WithObserver(obs))
	connect(t, m, w)

	w.FailSend(wallettest.ErrUserRejected)
	first, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if first.Phase != Cancelled {
		t.Fatalf("expected cancelled, got %s", first.Phase)
	}

	w.FailSend(errors.New("nonce too low"))
	second, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if second.Phase != Failed {
		t.Fatalf("expected failed, got %s", second.Phase)
	}

	w.FailSend(nil)
	third, _ := ctl.Execute(context.Background(), "simpleSuccess")
	if third.Phase != Confirmed {
		t.Fatalf("expected confirmed, got %s", third.Phase)
	}
	if first.RunID == second.RunID || second.RunID == third.RunID {
		t.Fatalf("each execution needs a fresh run id")
	}
	if n := obs.count("simpleSuccess:pending"); n != 3 {
		t.Fatalf("expected 3 pending transitions, got %d", n)
	}
}

func TestDisconnectThenExecute(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.SetCounter(9)
	ctl, m := newFixture(t)
	connect(t, m, w)

	if st, _ := ctl.Execute(context.Background(), "simpleSuccess"); st.Phase != Confirmed {
		t.Fatalf("expected confirmed, got %s", st.Phase)
	}
	m.Disconnect()

	if st, _ := ctl.Status("simpleSuccess"); st.Phase != Idle {
		t.Fatalf("expected reset to idle, got %s", st.Phase)
	}
	if snap := ctl.Snapshot(); snap.Counter != nil || snap.Balance != nil {
		t.Fatalf("snapshot must be cleared, got %+v", snap)
	}
	calls := w.Calls("")
	if _, err := ctl.Execute(context.Background(), "simpleSuccess"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if w.Calls("") != calls {
		t.Fatalf("no wallet request expected after disconnect")
	}
}

func TestOperationInFlightIsRejected(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.Hold()
	ctl, m := newFixture(t)
	connect(t, m, w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := ctl.Start(ctx, "simpleSuccess"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForPhase(t, ctl, "simpleSuccess", Submitted)

	if _, err := ctl.Start(ctx, "simpleSuccess"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected ErrOperationInFlight, got %v", err)
	}
	if n := w.Calls("eth_sendTransaction"); n != 1 {
		t.Fatalf("expected one transaction, got %d", n)
	}

	w.Release()
	waitForPhase(t, ctl, "simpleSuccess", Confirmed)
}

func TestDisconnectOrphansRunningTransaction(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.Hold()
	store := history.NewMemoryStore()
	ctl, m := newFixture(t, WithHistory(store))
	connect(t, m, w)

	done := make(chan Status, 1)
	go func() {
		st, _ := ctl.Execute(context.Background(), "simpleSuccess")
		done <- st
	}()
	submitted := waitForPhase(t, ctl, "simpleSuccess", Submitted)

	m.Disconnect()

	select {
	case st := <-done:
		if st.Phase != Idle {
			t.Fatalf("orphaned run must stay idle, got %s", st.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("confirmation wait must end with the session")
	}
	w.Release()
	if st, _ := ctl.Status("simpleSuccess"); st.Phase != Idle {
		t.Fatalf("late confirmation must not resurrect the run, got %s", st.Phase)
	}
	if rec, _ := store.Get(context.Background(), submitted.RunID.String()); rec != nil {
		t.Fatalf("orphaned run must not be recorded, got %+v", rec)
	}
}

func TestDisconnectBetweenSessionCheckAndStart(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	obs := &recordingObserver{}
	ctl, m := newFixture(t, WithObserver(obs))
	connect(t, m, w)

	// The first clock read happens after the session lookup and before the run claims
	// the operation.
	var disconnected atomic.Bool
	ctl.now = func() time.Time {
		if disconnected.CompareAndSwap(false, true) {
			m.Disconnect()
		}
		return time.Now()
	}

	if _, err := ctl.Execute(context.Background(), "simpleSuccess"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if st, _ := ctl.Status("simpleSuccess"); st.Phase != Idle {
		t.Fatalf("expected idle, got %s", st.Phase)
	}
	if n := w.Calls("eth_sendTransaction"); n != 0 {
		t.Fatalf("no transaction may be sent without a session, got %d", n)
	}
	if n := obs.count("simpleSuccess:pending"); n != 0 {
		t.Fatalf("abandoned run must not be observed, got %d pending", n)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("session should be gone")
	}
}

func TestRefreshFailureKeepsConfirmed(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	w.SetCounter(1)
	w.SetBalance(big.NewInt(42))
	obs := &recordingObserver{}
	ctl, m := newFixture(t, WithObserver(obs))
	connect(t, m, w)

	w.FailBalance(errors.New("rate limited"))
	st, err := ctl.Execute(context.Background(), "simpleSuccess")
	if err != nil || st.Phase != Confirmed {
		t.Fatalf("expected confirmed, got %+v (%v)", st, err)
	}
	snap := ctl.Snapshot()
	if snap.Counter.Int64() != 2 {
		t.Fatalf("counter read should still apply, got %s", snap.Counter)
	}
	if snap.Balance.Int64() != 42 {
		t.Fatalf("failed balance read must keep previous value, got %s", snap.Balance)
	}
	if obs.refreshFail != 1 {
		t.Fatalf("expected one refresh failure, got %d", obs.refreshFail)
	}
}

func TestRefresh(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	ctl, m := newFixture(t)

	if _, err := ctl.Refresh(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	connect(t, m, w)

	w.SetCounter(11)
	w.FailReads(errors.New("header not found"))
	w.SetBalance(big.NewInt(7))
	snap, err := ctl.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if snap.Balance.Int64() != 7 || snap.Counter.Int64() != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	w.FailReads(nil)
	snap, err = ctl.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Counter.Int64() != 11 {
		t.Fatalf("expected counter 11, got %s", snap.Counter)
	}
}

func TestRefreshStatus(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	ctl, m := newFixture(t)
	connect(t, m, w)

	if st := ctl.RefreshStatus(); st.Phase != Idle {
		t.Fatalf("expected idle before any manual refresh, got %s", st.Phase)
	}

	w.SetCounter(4)
	if _, err := ctl.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st := ctl.RefreshStatus()
	if st.Phase != Confirmed || st.Message != "Count: 4" {
		t.Fatalf("unexpected refresh status %+v", st)
	}

	w.FailReads(errors.New("header not found"))
	if _, err := ctl.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh to fail")
	}
	st = ctl.RefreshStatus()
	if st.Phase != Failed || !strings.Contains(st.Reason, "header not found") || !errors.Is(st.Err(), ErrRefreshFailed) {
		t.Fatalf("unexpected refresh status %+v", st)
	}

	m.Disconnect()
	if st := ctl.RefreshStatus(); st.Phase != Idle {
		t.Fatalf("teardown must reset refresh status, got %s", st.Phase)
	}
}

func TestRefreshInFlightIsRejected(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	ctl, m := newFixture(t)
	connect(t, m, w)

	ctl.refreshState = Status{Phase: Pending, Message: "Checking count..."}
	calls := w.Calls("")
	if _, err := ctl.Refresh(context.Background()); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected ErrOperationInFlight, got %v", err)
	}
	if w.Calls("") != calls {
		t.Fatalf("a rejected refresh must not read")
	}
}

func TestHistoryRecordsTerminalRuns(t *testing.T) {
	w := wallettest.New(session.Sepolia.ChainID, alice)
	store := history.NewMemoryStore()
	ctl, m := newFixture(t, WithHistory(store))
	connect(t, m, w)

	st, _ := ctl.Execute(context.Background(), "catchRevertAndSucceed")
	rec, err := store.Get(context.Background(), st.RunID.String())
	if err != nil || rec == nil {
		t.Fatalf("expected stored run, got %v (%v)", rec, err)
	}
	if rec.Phase != "confirmed" || rec.Operation != "catchRevertAndSucceed" || rec.TxHash != st.TxHash.Hex() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Account != alice.Hex() || rec.ChainID != session.Sepolia.ChainID {
		t.Fatalf("record not bound to session: %+v", rec)
	}
	if !rec.ExpiresAt.IsZero() {
		t.Fatalf("no retention configured, got expiry %s", rec.ExpiresAt)
	}
}

func TestControllerRejectsBadConfig(t *testing.T) {
	m := session.NewManager(session.Sepolia)
	chain, err := contract.New(contract.Config{
		Address: common.HexToAddress(contracts.RevertProbeAddress),
		ChainID: session.Sepolia.ChainID,
	}, nil)
	if err != nil {
		t.Fatalf("contract client: %v", err)
	}
	if _, err := NewController(Config{Operations: []string{"getSuccessCount"}}, m, chain); !errors.Is(err, contract.ErrUnknownFunction) {
		t.Fatalf("expected view function to be rejected, got %v", err)
	}
	if _, err := NewController(Config{Operations: []string{"simpleSuccess"}, CounterFunction: "simpleSuccess"}, m, chain); !errors.Is(err, contract.ErrUnknownFunction) {
		t.Fatalf("expected write function as counter to be rejected, got %v", err)
	}
	if _, err := NewController(Config{Operations: []string{"simpleSuccess", "simpleSuccess"}}, m, chain); err == nil {
		t.Fatalf("expected duplicate operation to be rejected")
	}

	ctl, err := NewController(Config{Operations: []string{"simpleSuccess"}}, m, chain)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if _, err := ctl.Execute(context.Background(), "selfDestruct"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}
