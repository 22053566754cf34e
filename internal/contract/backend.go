package contract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"revertprobe/internal/wallet"
)

// Backend is the read side of a chain connection. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ProviderBackend serves reads through a wallet provider.
type ProviderBackend struct {
	provider wallet.Provider
}

var _ Backend = (*ProviderBackend)(nil)

func NewProviderBackend(p wallet.Provider) *ProviderBackend {
	return &ProviderBackend{provider: p}
}

func (b *ProviderBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	if err := b.provider.CallContext(ctx, &out, "eth_call", toCallArg(msg), toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *ProviderBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out hexutil.Big
	if err := b.provider.CallContext(ctx, &out, "eth_getBalance", account, toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// TransactionReceipt returns ethereum.NotFound while the transaction is unmined.
func (b *ProviderBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	if err := b.provider.CallContext(ctx, &r, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{
		"to":   msg.To,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	return arg
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
