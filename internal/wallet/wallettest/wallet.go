// Package wallettest provides an in-memory EIP-1193 wallet backed by a simulated probe
// contract, for tests that need a provider without a browser or a node.
package wallettest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"revertprobe/internal/contracts"
	"revertprobe/internal/wallet"
)

// ErrUserRejected is what a wallet returns when the user dismisses a prompt.
var ErrUserRejected = &wallet.RequestError{Code: wallet.CodeUserRejected, Message: "User rejected the request."}

// Wallet simulates a browser wallet connected to a chain hosting the probe contract.
// All methods are safe for concurrent use.
type Wallet struct {
	mu sync.Mutex

	abi       abi.ABI
	accounts  []common.Address
	chainID   uint64
	known     map[uint64]bool
	balance   *big.Int
	counter   *big.Int
	block     uint64
	nonce     uint64
	txs       map[common.Hash]*pendingTx
	reverting map[string]bool
	held      bool
	ignore    bool
	mineAfter int

	accountsErr error
	switchErr   error
	addErr      error
	sendErr     error
	readErr     error
	balanceErr  error
	receiptErr  error

	calls []string
	feed  event.Feed
}

type pendingTx struct {
	method string
	revert bool
	polls  int
	mined  bool
	block  uint64
}

// New returns a wallet on chainID exposing accounts. Only chainID is known to it until
// another chain is added or declared with KnowChain.
func New(chainID uint64, accounts ...common.Address) *Wallet {
	parsed, err := abi.JSON(strings.NewReader(contracts.RevertProbeABI))
	if err != nil {
		panic(fmt.Sprintf("wallettest: parse abi: %v", err))
	}
	return &Wallet{
		abi:       parsed,
		accounts:  append([]common.Address(nil), accounts...),
		chainID:   chainID,
		known:     map[uint64]bool{chainID: true},
		balance:   big.NewInt(0),
		counter:   big.NewInt(0),
		block:     1,
		txs:       make(map[common.Hash]*pendingTx),
		reverting: make(map[string]bool),
	}
}

// Detail wraps the wallet as a discovered provider.
func (w *Wallet) Detail(uuid, name string) wallet.Detail {
	return wallet.Detail{
		Info:     wallet.ProviderInfo{UUID: uuid, Name: name, RDNS: "io.test." + strings.ToLower(name)},
		Provider: w,
	}
}

func (w *Wallet) KnowChain(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[id] = true
}

func (w *Wallet) SetCounter(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counter = big.NewInt(v)
}

func (w *Wallet) Counter() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counter.Int64()
}

func (w *Wallet) SetBalance(wei *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = new(big.Int).Set(wei)
}

func (w *Wallet) ChainID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID
}

// Revert makes every mined call to method fail.
func (w *Wallet) Revert(method string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reverting[method] = true
}

// MineAfter delays receipts until they have been polled n times.
func (w *Wallet) MineAfter(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mineAfter = n
}

// Hold keeps every transaction unmined until Release.
func (w *Wallet) Hold() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
}

func (w *Wallet) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
}

// IgnoreSwitch makes chain switches report success without changing chains.
func (w *Wallet) IgnoreSwitch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ignore = true
}

func (w *Wallet) FailAccounts(err error) { w.setErr(&w.accountsErr, err) }
func (w *Wallet) FailSwitch(err error)   { w.setErr(&w.switchErr, err) }
func (w *Wallet) FailAdd(err error)      { w.setErr(&w.addErr, err) }
func (w *Wallet) FailSend(err error)     { w.setErr(&w.sendErr, err) }
func (w *Wallet) FailReads(err error)    { w.setErr(&w.readErr, err) }
func (w *Wallet) FailBalance(err error)  { w.setErr(&w.balanceErr, err) }
func (w *Wallet) FailReceipts(err error) { w.setErr(&w.receiptErr, err) }

func (w *Wallet) setErr(dst *error, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*dst = err
}

// Calls returns how many times method was requested; with no method, all requests.
func (w *Wallet) Calls(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if method == "" {
		return len(w.calls)
	}
	n := 0
	for _, c := range w.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (w *Wallet) SubscribeChanges(ch chan<- wallet.Change) event.Subscription {
	return w.feed.Subscribe(ch)
}

// SwitchAccount simulates the user picking another account in the wallet UI.
func (w *Wallet) SwitchAccount(accounts ...common.Address) {
	w.mu.Lock()
	w.accounts = append([]common.Address(nil), accounts...)
	w.mu.Unlock()
	w.feed.Send(wallet.Change{Kind: wallet.AccountsChanged, Accounts: accounts})
}

// SwitchChain simulates the user changing networks in the wallet UI.
func (w *Wallet) SwitchChain(id uint64) {
	w.mu.Lock()
	w.known[id] = true
	w.chainID = id
	w.mu.Unlock()
	w.feed.Send(wallet.Change{Kind: wallet.ChainChanged, ChainID: id})
}

func (w *Wallet) Disconnect() {
	w.feed.Send(wallet.Change{Kind: wallet.Disconnected})
}

func (w *Wallet) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.calls = append(w.calls, method)
	out, err := w.handle(method, args)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return assign(result, out)
}

func (w *Wallet) handle(method string, args []interface{}) (interface{}, error) {
	switch method {
	case "eth_requestAccounts":
		if w.accountsErr != nil {
			return nil, w.accountsErr
		}
		return append([]common.Address{}, w.accounts...), nil
	case "eth_accounts":
		return append([]common.Address{}, w.accounts...), nil
	case "eth_chainId":
		return hexutil.Uint64(w.chainID), nil
	case "wallet_switchEthereumChain":
		return w.switchChain(args)
	case "wallet_addEthereumChain":
		return w.addChain(args)
	case "eth_getBalance":
		if w.balanceErr != nil {
			return nil, w.balanceErr
		}
		return (*hexutil.Big)(w.balance), nil
	case "eth_call":
		return w.call(args)
	case "eth_sendTransaction":
		return w.send(args)
	case "eth_getTransactionReceipt":
		return w.receipt(args)
	default:
		return nil, &wallet.RequestError{Code: wallet.CodeUnsupportedMethod, Message: "unsupported method " + method}
	}
}

func (w *Wallet) switchChain(args []interface{}) (interface{}, error) {
	var p struct {
		ChainID hexutil.Uint64 `json:"chainId"`
	}
	if err := decodeArg(args, 0, &p); err != nil {
		return nil, err
	}
	if w.switchErr != nil {
		return nil, w.switchErr
	}
	if !w.known[uint64(p.ChainID)] {
		return nil, &wallet.RequestError{
			Code:    wallet.CodeUnrecognizedChain,
			Message: fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", p.ChainID.String()),
		}
	}
	if !w.ignore {
		w.chainID = uint64(p.ChainID)
	}
	return nil, nil
}

func (w *Wallet) addChain(args []interface{}) (interface{}, error) {
	var p struct {
		ChainID   hexutil.Uint64 `json:"chainId"`
		ChainName string         `json:"chainName"`
		RPCURLs   []string       `json:"rpcUrls"`
	}
	if err := decodeArg(args, 0, &p); err != nil {
		return nil, err
	}
	if w.addErr != nil {
		return nil, w.addErr
	}
	if p.ChainName == "" || len(p.RPCURLs) == 0 {
		return nil, &wallet.RequestError{Code: -32602, Message: "incomplete chain descriptor"}
	}
	w.known[uint64(p.ChainID)] = true
	if !w.ignore {
		w.chainID = uint64(p.ChainID)
	}
	return nil, nil
}

type callArgs struct {
	From    *common.Address `json:"from"`
	To      *common.Address `json:"to"`
	Data    hexutil.Bytes   `json:"data"`
	Input   hexutil.Bytes   `json:"input"`
	ChainID *hexutil.Uint64 `json:"chainId"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

func (w *Wallet) lookup(data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, &wallet.RequestError{Code: -32602, Message: "missing call data"}
	}
	m, err := w.abi.MethodById(data[:4])
	if err != nil {
		return nil, &wallet.RequestError{Code: 3, Message: "execution reverted"}
	}
	return m, nil
}

func (w *Wallet) call(args []interface{}) (interface{}, error) {
	var a callArgs
	if err := decodeArg(args, 0, &a); err != nil {
		return nil, err
	}
	if w.readErr != nil {
		return nil, w.readErr
	}
	m, err := w.lookup(a.payload())
	if err != nil {
		return nil, err
	}
	if len(m.Outputs) == 0 {
		return hexutil.Bytes{}, nil
	}
	packed, err := m.Outputs.Pack(new(big.Int).Set(w.counter))
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(packed), nil
}

func (w *Wallet) send(args []interface{}) (interface{}, error) {
	var a callArgs
	if err := decodeArg(args, 0, &a); err != nil {
		return nil, err
	}
	if w.sendErr != nil {
		return nil, w.sendErr
	}
	if a.From == nil || !w.controls(*a.From) {
		return nil, &wallet.RequestError{Code: wallet.CodeUnauthorized, Message: "The requested account has not been authorized by the user."}
	}
	if a.ChainID != nil && uint64(*a.ChainID) != w.chainID {
		return nil, &wallet.RequestError{Code: -32602, Message: fmt.Sprintf("chainId %d does not match the active chain %d", uint64(*a.ChainID), w.chainID)}
	}
	m, err := w.lookup(a.payload())
	if err != nil {
		return nil, err
	}
	w.nonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], w.nonce)
	hash := crypto.Keccak256Hash(a.From.Bytes(), nonce[:], a.payload())
	w.txs[hash] = &pendingTx{method: m.Name, revert: w.reverting[m.Name]}
	return hash, nil
}

func (w *Wallet) receipt(args []interface{}) (interface{}, error) {
	var hash common.Hash
	if err := decodeArg(args, 0, &hash); err != nil {
		return nil, err
	}
	if w.receiptErr != nil {
		return nil, w.receiptErr
	}
	tx, ok := w.txs[hash]
	if !ok {
		return nil, nil
	}
	if !tx.mined {
		if w.held || tx.polls < w.mineAfter {
			tx.polls++
			return nil, nil
		}
		w.block++
		tx.mined = true
		tx.block = w.block
		if !tx.revert {
			w.counter = new(big.Int).Add(w.counter, big.NewInt(1))
		}
	}
	status := types.ReceiptStatusSuccessful
	if tx.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            status,
		CumulativeGasUsed: 21000,
		Logs:              []*types.Log{},
		TxHash:            hash,
		GasUsed:           21000,
		BlockHash:         crypto.Keccak256Hash(new(big.Int).SetUint64(tx.block).Bytes()),
		BlockNumber:       new(big.Int).SetUint64(tx.block),
	}, nil
}

func (w *Wallet) controls(addr common.Address) bool {
	for _, a := range w.accounts {
		if a == addr {
			return true
		}
	}
	return false
}

func decodeArg(args []interface{}, i int, out interface{}) error {
	if i >= len(args) {
		return &wallet.RequestError{Code: -32602, Message: "missing params"}
	}
	raw, err := json.Marshal(args[i])
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &wallet.RequestError{Code: -32602, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func assign(result, value interface{}) error {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.New("wallettest: decode result: " + err.Error())
	}
	return nil
}
