package txflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrUserCancelled     = errors.New("cancelled by user")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrExecutionReverted = errors.New("execution reverted")
	ErrRefreshFailed     = errors.New("refresh failed")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrOperationInFlight = errors.New("operation already in flight")
)

// Phase is a step of an operation's lifecycle.
type Phase int

const (
	Idle Phase = iota
	Pending
	Submitted
	Confirmed
	Failed
	Cancelled
)

var phaseNames = [...]string{"idle", "pending", "submitted", "confirmed", "failed", "cancelled"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == Confirmed || p == Failed || p == Cancelled
}

// InFlight reports whether a run is waiting on the wallet or the network.
func (p Phase) InFlight() bool {
	return p == Pending || p == Submitted
}

// forward lists the transitions a run may make. Leaving Idle or a terminal phase is only
// possible through a fresh run.
var forward = map[Phase][]Phase{
	Pending:   {Submitted, Cancelled, Failed},
	Submitted: {Confirmed, Failed},
}

func canAdvance(from, to Phase) bool {
	for _, p := range forward[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Status is the observable state of one operation.
type Status struct {
	Phase     Phase
	Message   string
	TxHash    common.Hash
	Reason    string
	RunID     uuid.UUID
	UpdatedAt time.Time

	cause error
}

// Err returns the error behind a Failed or Cancelled status.
func (s Status) Err() error {
	switch s.Phase {
	case Failed, Cancelled:
		return s.cause
	}
	return nil
}

// Operation owns the status of one named write.
type Operation struct {
	name string

	mu     sync.Mutex
	status Status
}

func newOperation(name string) *Operation {
	return &Operation{name: name}
}

func (o *Operation) Name() string { return o.name }

func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// start opens a fresh run at Pending.
func (o *Operation) start(run uuid.UUID, message string, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Phase.InFlight() {
		return fmt.Errorf("%w: %s is %s", ErrOperationInFlight, o.name, o.status.Phase)
	}
	o.status = Status{Phase: Pending, Message: message, RunID: run, UpdatedAt: now}
	return nil
}

// advance applies next if it belongs to the current run and moves forward.
func (o *Operation) advance(next Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.RunID != next.RunID || !canAdvance(o.status.Phase, next.Phase) {
		return false
	}
	o.status = next
	return true
}

// abandon returns to Idle if run is still the current run.
func (o *Operation) abandon(run uuid.UUID, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.RunID == run {
		o.status = Status{Phase: Idle, UpdatedAt: now}
	}
}

// reset returns to Idle and orphans any run in flight.
func (o *Operation) reset(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = Status{Phase: Idle, UpdatedAt: now}
}
