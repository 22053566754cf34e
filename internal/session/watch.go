package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revertprobe/internal/wallet"
)

// watch prepares the invalidation watcher for sess. Subscriptions are taken before the
// session is published so no change is missed; start launches the loop, stop ends it.
func (m *Manager) watch(sess *Session) (start func(), stop func()) {
	ctx, cancel := context.WithCancel(context.Background())

	if n, ok := sess.Provider.(wallet.Notifier); ok {
		changes := make(chan wallet.Change, 8)
		sub := n.SubscribeChanges(changes)
		start = func() {
			go func() {
				defer sub.Unsubscribe()
				for {
					select {
					case c := <-changes:
						if reason := check(sess, c); reason != nil {
							m.invalidate(sess, reason)
							return
						}
					case <-sub.Err():
						return
					case <-ctx.Done():
						return
					}
				}
			}()
		}
		return start, func() {
			cancel()
			sub.Unsubscribe()
		}
	}

	if m.watchInterval <= 0 {
		return func() {}, cancel
	}
	start = func() { go m.poll(ctx, sess) }
	return start, cancel
}

func (m *Manager) poll(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var accounts []common.Address
		if err := sess.Provider.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
			m.logger.Debug("Account poll failed", "err", err)
			continue
		}
		if reason := check(sess, wallet.Change{Kind: wallet.AccountsChanged, Accounts: accounts}); reason != nil {
			m.invalidate(sess, reason)
			return
		}
		chainID, err := chainIDOf(ctx, sess.Provider)
		if err != nil {
			m.logger.Debug("Chain poll failed", "err", err)
			continue
		}
		if reason := check(sess, wallet.Change{Kind: wallet.ChainChanged, ChainID: chainID}); reason != nil {
			m.invalidate(sess, reason)
			return
		}
	}
}

// check returns why c invalidates sess, or nil when it does not.
func check(sess *Session, c wallet.Change) error {
	switch c.Kind {
	case wallet.AccountsChanged:
		if len(c.Accounts) == 0 {
			return fmt.Errorf("%w: accounts revoked", ErrSessionInvalidated)
		}
		if c.Accounts[0] != sess.Account {
			return fmt.Errorf("%w: account changed to %s", ErrSessionInvalidated, c.Accounts[0])
		}
	case wallet.ChainChanged:
		if c.ChainID != sess.ChainID {
			return fmt.Errorf("%w: chain changed to %d", ErrSessionInvalidated, c.ChainID)
		}
	case wallet.Disconnected:
		return fmt.Errorf("%w: provider disconnected", ErrSessionInvalidated)
	}
	return nil
}
