package session

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Currency is the native currency of a network as wallets expect it in
// wallet_addEthereumChain.
type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Network is the single network every session must be on.
type Network struct {
	ChainID     uint64
	Name        string
	Currency    Currency
	RPCURLs     []string
	ExplorerURL string
}

// Sepolia is the default required network.
var Sepolia = Network{
	ChainID:     11155111,
	Name:        "Sepolia Testnet",
	Currency:    Currency{Name: "ETH", Symbol: "ETH", Decimals: 18},
	RPCURLs:     []string{"https://rpc.sepolia.org"},
	ExplorerURL: "https://sepolia.etherscan.io",
}

// TxURL links a transaction on the network's block explorer.
func (n Network) TxURL(hash common.Hash) string {
	if n.ExplorerURL == "" || hash == (common.Hash{}) {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + hash.Hex()
}

type switchChainParams struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

type addChainParams struct {
	ChainID           hexutil.Uint64 `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    Currency       `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

func (n Network) addChainParams() addChainParams {
	p := addChainParams{
		ChainID:        hexutil.Uint64(n.ChainID),
		ChainName:      n.Name,
		NativeCurrency: n.Currency,
		RPCURLs:        n.RPCURLs,
	}
	if n.ExplorerURL != "" {
		p.BlockExplorerURLs = []string{n.ExplorerURL}
	}
	return p
}
