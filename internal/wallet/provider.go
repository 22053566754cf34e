package wallet

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Provider issues EIP-1193 requests against a wallet. *rpc.Client satisfies it, so a wallet
// reachable over JSON-RPC can be used directly.
type Provider interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// ProviderInfo describes an announced provider. It is never modified after announcement.
type ProviderInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	RDNS string `json:"rdns"`
}

// Detail pairs an announced provider with its handle.
type Detail struct {
	Info     ProviderInfo
	Provider Provider
}

// ChangeKind enumerates the provider-side events that can invalidate a session.
type ChangeKind int

const (
	AccountsChanged ChangeKind = iota + 1
	ChainChanged
	Disconnected
)

func (k ChangeKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	case Disconnected:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Change is a provider notification.
type Change struct {
	Kind     ChangeKind
	Accounts []common.Address
	ChainID  uint64
}

// Notifier is implemented by providers that push account and chain changes.
type Notifier interface {
	SubscribeChanges(ch chan<- Change) event.Subscription
}

func normalizeUUID(id string) string {
	return strings.TrimSpace(id)
}
