package txflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"revertprobe/internal/contract"
	"revertprobe/internal/history"
	"revertprobe/internal/session"
)

// Chain is the contract surface the controller drives. *contract.Client implements it.
type Chain interface {
	CheckWrite(fn string) error
	CheckRead(fn string) error
	WriteAndSubmit(ctx context.Context, sess *session.Session, fn string) (contract.Submission, error)
	AwaitConfirmation(ctx context.Context, sub contract.Submission) (contract.Outcome, *types.Receipt, error)
	ReadValue(ctx context.Context, sess *session.Session, fn string) (*big.Int, error)
	Balance(ctx context.Context, sess *session.Session) (*big.Int, error)
}

// Observer is told about every accepted transition and failed refresh.
type Observer interface {
	Transition(operation string, phase Phase)
	RefreshFailed()
}

type Config struct {
	// Operations are the write functions exposed as named operations, in display order.
	Operations []string
	// CounterFunction is the view function backing the Counter snapshot.
	CounterFunction string
	// HistoryRetention bounds how long run records are kept. Zero keeps them forever.
	HistoryRetention time.Duration
}

// Snapshot holds the derived read-only values of the current session.
type Snapshot struct {
	SessionID uuid.UUID
	Balance   *big.Int
	BalanceAt time.Time
	Counter   *big.Int
	CounterAt time.Time
}

// OperationState pairs an operation name with its status.
type OperationState struct {
	Name   string
	Status Status
}

// Controller runs the named operations of one contract against the active session.
type Controller struct {
	sessions   *session.Manager
	chain      Chain
	classifier *Classifier
	history    history.Store
	observer   Observer
	logger     log.Logger
	now        func() time.Time

	ops       map[string]*Operation
	order     []string
	counterFn string
	retention time.Duration

	snapMu sync.RWMutex
	snap   Snapshot

	refreshMu    sync.Mutex
	refreshState Status
}

type Option func(*Controller)

func WithClassifier(c *Classifier) Option {
	return func(ctl *Controller) { ctl.classifier = c }
}

func WithHistory(s history.Store) Option {
	return func(ctl *Controller) { ctl.history = s }
}

func WithObserver(o Observer) Option {
	return func(ctl *Controller) { ctl.observer = o }
}

func WithLogger(l log.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// NewController validates the configured functions against the contract and subscribes to
// the session lifecycle: a new session triggers a refresh, a teardown resets every
// operation and clears the snapshot.
func NewController(cfg Config, sessions *session.Manager, chain Chain, opts ...Option) (*Controller, error) {
	if sessions == nil || chain == nil {
		return nil, errors.New("txflow: sessions and chain are required")
	}
	if len(cfg.Operations) == 0 {
		return nil, errors.New("txflow: no operations configured")
	}
	c := &Controller{
		sessions:   sessions,
		chain:      chain,
		classifier: DefaultClassifier(),
		logger:     log.Root(),
		now:        time.Now,
		ops:        make(map[string]*Operation, len(cfg.Operations)),
		counterFn:  cfg.CounterFunction,
		retention:  cfg.HistoryRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.New("component", "txflow")

	for _, name := range cfg.Operations {
		if _, dup := c.ops[name]; dup {
			return nil, fmt.Errorf("txflow: operation %q configured twice", name)
		}
		if err := chain.CheckWrite(name); err != nil {
			return nil, err
		}
		c.ops[name] = newOperation(name)
		c.order = append(c.order, name)
	}
	if c.counterFn != "" {
		if err := chain.CheckRead(c.counterFn); err != nil {
			return nil, err
		}
	}

	sessions.OnEstablish(c.onEstablish)
	sessions.OnTeardown(c.onTeardown)
	return c, nil
}

// Statuses returns every operation's status in configured order.
func (c *Controller) Statuses() []OperationState {
	out := make([]OperationState, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, OperationState{Name: name, Status: c.ops[name].Status()})
	}
	return out
}

func (c *Controller) Status(name string) (Status, bool) {
	op, ok := c.ops[name]
	if !ok {
		return Status{}, false
	}
	return op.Status(), true
}

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// run is one execution of an operation, bound to the session it started under.
type run struct {
	id      uuid.UUID
	op      *Operation
	sess    *session.Session
	started time.Time
}

// Execute runs the operation to a terminal phase and returns its final status. Only the
// preconditions produce an error; wallet and network failures end up in the status.
func (c *Controller) Execute(ctx context.Context, name string) (Status, error) {
	r, err := c.begin(name)
	if err != nil {
		return Status{}, err
	}
	c.drive(ctx, r)
	return r.op.Status(), nil
}

// Start checks the preconditions, moves the operation to Pending and drives the rest in the
// background. ctx must outlive the run.
func (c *Controller) Start(ctx context.Context, name string) (uuid.UUID, error) {
	r, err := c.begin(name)
	if err != nil {
		return uuid.Nil, err
	}
	go c.drive(ctx, r)
	return r.id, nil
}

func (c *Controller) begin(name string) (*run, error) {
	op, ok := c.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	sess, ok := c.sessions.Current()
	if !ok {
		return nil, session.ErrNotConnected
	}
	r := &run{id: uuid.New(), op: op, sess: sess, started: c.now()}
	if err := op.start(r.id, fmt.Sprintf("Executing %s()...", name), r.started); err != nil {
		return nil, err
	}
	// The session may have ended after Current returned. Its teardown either already ran,
	// or runs after start and resets the run itself.
	if sess.Ended() {
		op.abandon(r.id, c.now())
		return nil, session.ErrNotConnected
	}
	c.observe(name, Pending)
	return r, nil
}

func (c *Controller) drive(ctx context.Context, r *run) {
	logger := c.logger.New("operation", r.op.name, "run", r.id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.sess.Context(), cancel)
	defer stop()

	sub, err := c.chain.WriteAndSubmit(ctx, r.sess, r.op.name)
	if err != nil {
		c.settleError(logger, r, common.Hash{}, err)
		return
	}
	if !c.advance(r, Status{Phase: Submitted, Message: "Transaction submitted, waiting for confirmation", TxHash: sub.Hash}) {
		logger.Debug("Run superseded after submission", "hash", sub.Hash)
		return
	}
	logger.Info("Transaction submitted", "hash", sub.Hash)

	outcome, receipt, err := c.chain.AwaitConfirmation(ctx, sub)
	if err != nil {
		c.settleError(logger, r, sub.Hash, err)
		return
	}
	if outcome != contract.OutcomeSuccess {
		c.finish(logger, r, Status{
			Phase:   Failed,
			Message: "Transaction failed",
			TxHash:  sub.Hash,
			Reason:  "transaction reverted",
			cause:   fmt.Errorf("%w: %s", ErrExecutionReverted, sub.Hash.Hex()),
		})
		return
	}
	if !c.finish(logger, r, Status{Phase: Confirmed, Message: "Transaction confirmed", TxHash: sub.Hash}) {
		return
	}
	logger.Info("Transaction confirmed", "hash", sub.Hash, "block", receipt.BlockNumber)
	if _, err := c.refresh(ctx, r.sess); err != nil {
		logger.Warn("Post-confirmation refresh failed", "err", err)
	}
}

// settleError maps a submission or confirmation error onto a terminal status. A rejection
// only cancels a run that has no transaction hash yet.
func (c *Controller) settleError(logger log.Logger, r *run, hash common.Hash, err error) {
	verdict, rule := c.classifier.Classify(err)
	if verdict == VerdictCancelled && hash == (common.Hash{}) {
		c.finish(logger, r, Status{
			Phase:   Cancelled,
			Message: "Transaction cancelled by user",
			cause:   fmt.Errorf("%w: %w", ErrUserCancelled, err),
		})
		logger.Info("Transaction cancelled by user", "rule", rule)
		return
	}
	st := Status{Phase: Failed, Message: "Transaction failed", TxHash: hash, Reason: rootMessage(err), cause: err}
	if hash == (common.Hash{}) {
		st.cause = fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	c.finish(logger, r, st)
}

func (c *Controller) finish(logger log.Logger, r *run, st Status) bool {
	if !c.advance(r, st) {
		logger.Debug("Dropping stale transition", "phase", st.Phase)
		return false
	}
	if st.Phase == Failed {
		logger.Warn("Transaction failed", "hash", st.TxHash, "err", st.cause)
	}
	c.record(logger, r, st)
	return true
}

func (c *Controller) advance(r *run, st Status) bool {
	if r.sess.Ended() {
		return false
	}
	st.RunID = r.id
	st.UpdatedAt = c.now()
	if !r.op.advance(st) {
		return false
	}
	c.observe(r.op.name, st.Phase)
	return true
}

func (c *Controller) observe(name string, phase Phase) {
	if c.observer != nil {
		c.observer.Transition(name, phase)
	}
}

func (c *Controller) record(logger log.Logger, r *run, st Status) {
	if c.history == nil {
		return
	}
	rec := history.Record{
		RunID:      r.id.String(),
		Operation:  r.op.name,
		Phase:      st.Phase.String(),
		Reason:     st.Reason,
		Account:    r.sess.Account.Hex(),
		ChainID:    r.sess.ChainID,
		StartedAt:  r.started,
		FinishedAt: st.UpdatedAt,
	}
	if st.TxHash != (common.Hash{}) {
		rec.TxHash = st.TxHash.Hex()
	}
	if c.retention > 0 {
		rec.ExpiresAt = st.UpdatedAt.Add(c.retention)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Save(ctx, rec); err != nil {
		logger.Warn("Failed to record run", "err", err)
	}
}

// RefreshStatus reports the last manual refresh. Pending means one is running.
func (c *Controller) RefreshStatus() Status {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshState
}

// Refresh re-reads the counter and the balance for the active session. Values that were
// read successfully replace the previous ones even when the other read fails. Only one
// manual refresh runs at a time.
func (c *Controller) Refresh(ctx context.Context) (Snapshot, error) {
	sess, ok := c.sessions.Current()
	if !ok {
		return Snapshot{}, session.ErrNotConnected
	}
	id := uuid.New()
	c.refreshMu.Lock()
	if c.refreshState.Phase.InFlight() {
		c.refreshMu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: refresh is %s", ErrOperationInFlight, Pending)
	}
	c.refreshState = Status{Phase: Pending, Message: "Checking count...", RunID: id, UpdatedAt: c.now()}
	c.refreshMu.Unlock()
	if sess.Ended() {
		c.settleRefresh(id, Status{Phase: Idle})
		return Snapshot{}, session.ErrNotConnected
	}

	snap, err := c.refresh(ctx, sess)
	switch {
	case err != nil:
		c.settleRefresh(id, Status{Phase: Failed, Message: "Failed to read count", Reason: rootMessage(err), cause: err})
	case snap.Counter != nil:
		c.settleRefresh(id, Status{Phase: Confirmed, Message: fmt.Sprintf("Count: %s", snap.Counter)})
	default:
		c.settleRefresh(id, Status{Phase: Confirmed, Message: "Balance refreshed"})
	}
	return snap, err
}

// settleRefresh ends the manual refresh id unless a teardown or a newer refresh replaced it.
func (c *Controller) settleRefresh(id uuid.UUID, st Status) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.refreshState.RunID != id {
		return
	}
	if st.Phase != Idle {
		st.RunID = id
	}
	st.UpdatedAt = c.now()
	c.refreshState = st
}

func (c *Controller) refresh(ctx context.Context, sess *session.Session) (Snapshot, error) {
	var errs []error
	var counter *big.Int
	if c.counterFn != "" {
		v, err := c.chain.ReadValue(ctx, sess, c.counterFn)
		if err != nil {
			errs = append(errs, fmt.Errorf("counter: %w", err))
		}
		counter = v
	}
	balance, err := c.chain.Balance(ctx, sess)
	if err != nil {
		errs = append(errs, fmt.Errorf("balance: %w", err))
	}

	now := c.now()
	c.snapMu.Lock()
	// Results for a session that has since ended are dropped.
	if cur, ok := c.sessions.Current(); ok && cur == sess {
		if c.snap.SessionID != sess.ID {
			c.snap = Snapshot{SessionID: sess.ID}
		}
		if counter != nil {
			c.snap.Counter, c.snap.CounterAt = counter, now
		}
		if balance != nil {
			c.snap.Balance, c.snap.BalanceAt = balance, now
		}
	}
	snap := c.snap
	c.snapMu.Unlock()

	if len(errs) > 0 {
		if c.observer != nil {
			c.observer.RefreshFailed()
		}
		return snap, fmt.Errorf("%w: %w", ErrRefreshFailed, errors.Join(errs...))
	}
	return snap, nil
}

func (c *Controller) onEstablish(ctx context.Context, sess *session.Session) {
	if _, err := c.refresh(ctx, sess); err != nil {
		c.logger.Warn("Initial refresh failed", "session", sess.ID, "err", err)
	}
}

func (c *Controller) onTeardown(sess *session.Session, reason error) {
	now := c.now()
	for _, name := range c.order {
		c.ops[name].reset(now)
		c.observe(name, Idle)
	}
	c.snapMu.Lock()
	c.snap = Snapshot{}
	c.snapMu.Unlock()
	c.refreshMu.Lock()
	c.refreshState = Status{Phase: Idle, UpdatedAt: now}
	c.refreshMu.Unlock()
	if sess != nil {
		c.logger.Debug("Operations reset", "session", sess.ID, "reason", reason)
	}
}

// rootMessage returns the message of the innermost wrapped error, which is what the wallet
// reported.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
