package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"revertprobe/internal/contracts"
	"revertprobe/internal/session"
)

var (
	ErrUnknownFunction = errors.New("unknown contract function")
	ErrChainMismatch   = errors.New("session is bound to another chain")
)

const defaultPollInterval = 2 * time.Second

// Config describes the contract and how confirmations are awaited.
type Config struct {
	Address common.Address
	ChainID uint64
	// ABI defaults to the probe contract.
	ABI string
	// PollInterval paces receipt polling.
	PollInterval time.Duration
	// ConfirmTimeout bounds AwaitConfirmation; zero waits until mined.
	ConfirmTimeout time.Duration
	// Node, when set, serves reads and receipts instead of the session's wallet.
	Node Backend
}

// Client issues typed calls against one contract.
type Client struct {
	address        common.Address
	abi            abi.ABI
	chainID        uint64
	poll           time.Duration
	confirmTimeout time.Duration
	node           Backend
	logger         log.Logger
}

// Submission identifies a write accepted by the wallet.
type Submission struct {
	Hash        common.Hash
	Function    string
	Session     *session.Session
	SubmittedAt time.Time
}

func New(cfg Config, logger log.Logger) (*Client, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	raw := cfg.ABI
	if raw == "" {
		raw = contracts.RevertProbeABI
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Client{
		address:        cfg.Address,
		abi:            parsed,
		chainID:        cfg.ChainID,
		poll:           cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
		node:           cfg.Node,
		logger:         logger.New("component", "contract", "address", cfg.Address),
	}, nil
}

func (c *Client) Address() common.Address { return c.address }

// CheckWrite reports whether fn is a state-mutating function without inputs.
func (c *Client) CheckWrite(fn string) error {
	m, ok := c.abi.Methods[fn]
	if !ok || m.IsConstant() || len(m.Inputs) != 0 {
		return fmt.Errorf("%w: %s is not a parameterless write", ErrUnknownFunction, fn)
	}
	return nil
}

// CheckRead reports whether fn is a view returning a single unsigned integer.
func (c *Client) CheckRead(fn string) error {
	m, ok := c.abi.Methods[fn]
	if !ok || !m.IsConstant() || len(m.Inputs) != 0 || len(m.Outputs) != 1 || m.Outputs[0].Type.T != abi.UintTy {
		return fmt.Errorf("%w: %s is not a parameterless uint view", ErrUnknownFunction, fn)
	}
	return nil
}

// ReadValue calls a view function against the latest state.
func (c *Client) ReadValue(ctx context.Context, sess *session.Session, fn string) (*big.Int, error) {
	if err := c.CheckRead(fn); err != nil {
		return nil, err
	}
	backend, err := c.reader(sess)
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack(fn)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", fn, err)
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", fn, err)
	}
	values, err := c.abi.Unpack(fn, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", fn, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", fn, values[0])
	}
	return v, nil
}

// Balance returns the session account's native balance in wei.
func (c *Client) Balance(ctx context.Context, sess *session.Session) (*big.Int, error) {
	if sess == nil {
		return nil, session.ErrNotConnected
	}
	backend, err := c.reader(sess)
	if err != nil {
		return nil, err
	}
	wei, err := backend.BalanceAt(ctx, sess.Account, nil)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return wei, nil
}

type sendTxArgs struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Data    hexutil.Bytes  `json:"data"`
	ChainID hexutil.Uint64 `json:"chainId"`
}

// WriteAndSubmit asks the session's wallet to sign and broadcast a call to fn. The session's
// account is the sender and its chain the target; gas is left to the wallet.
func (c *Client) WriteAndSubmit(ctx context.Context, sess *session.Session, fn string) (Submission, error) {
	if sess == nil || sess.Ended() {
		return Submission{}, session.ErrNotConnected
	}
	if sess.ChainID != c.chainID {
		return Submission{}, fmt.Errorf("%w: session on %d, contract on %d", ErrChainMismatch, sess.ChainID, c.chainID)
	}
	if err := c.CheckWrite(fn); err != nil {
		return Submission{}, err
	}
	data, err := c.abi.Pack(fn)
	if err != nil {
		return Submission{}, fmt.Errorf("pack %s: %w", fn, err)
	}

	var hash common.Hash
	args := sendTxArgs{From: sess.Account, To: c.address, Data: data, ChainID: hexutil.Uint64(sess.ChainID)}
	if err := sess.Provider.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return Submission{}, fmt.Errorf("send %s tx: %w", fn, err)
	}
	if hash == (common.Hash{}) {
		return Submission{}, fmt.Errorf("send %s tx: wallet returned no transaction hash", fn)
	}
	c.logger.Debug("Transaction submitted", "fn", fn, "hash", hash, "from", sess.Account)
	return Submission{Hash: hash, Function: fn, Session: sess, SubmittedAt: time.Now()}, nil
}

func (c *Client) reader(sess *session.Session) (Backend, error) {
	if c.node != nil {
		return c.node, nil
	}
	if sess == nil {
		return nil, session.ErrNotConnected
	}
	return NewProviderBackend(sess.Provider), nil
}
