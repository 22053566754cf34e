package contract

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// DialNode connects to a node used for reads and receipts and checks it serves chainID.
func DialNode(ctx context.Context, rawURL string, chainID uint64) (*ethclient.Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	got, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != chainID {
		cli.Close()
		return nil, fmt.Errorf("node serves chain %s, want %d", got, chainID)
	}
	return cli, nil
}

// Ping checks the read node, when one is configured.
func (c *Client) Ping(ctx context.Context) error {
	if c.node == nil {
		return nil
	}
	pinger, ok := c.node.(interface {
		BlockNumber(ctx context.Context) (uint64, error)
	})
	if !ok {
		return nil
	}
	_, err := pinger.BlockNumber(ctx)
	return err
}

// HasNode reports whether reads go to a dedicated node.
func (c *Client) HasNode() bool { return c.node != nil }
