package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Outcome is the execution result of a mined transaction.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReverted:
		return "revert"
	default:
		return "unknown"
	}
}

// AwaitConfirmation polls for the submission's receipt until it is mined, the backend
// fails or ctx ends. Revert reasons are not decoded.
func (c *Client) AwaitConfirmation(ctx context.Context, sub Submission) (Outcome, *types.Receipt, error) {
	backend, err := c.reader(sub.Session)
	if err != nil {
		return 0, nil, err
	}
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(c.poll), 1)
	polls := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("await %s: %w", sub.Hash.Hex(), err)
		}
		polls++
		receipt, err := backend.TransactionReceipt(ctx, sub.Hash)
		if receipt != nil {
			outcome := OutcomeSuccess
			if receipt.Status != types.ReceiptStatusSuccessful {
				outcome = OutcomeReverted
			}
			c.logger.Debug("Transaction mined", "hash", sub.Hash, "outcome", outcome, "block", receipt.BlockNumber, "polls", polls)
			return outcome, receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return 0, nil, fmt.Errorf("receipt %s: %w", sub.Hash.Hex(), err)
		}
	}
}
