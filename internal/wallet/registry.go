package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DefaultDiscoveryWindow matches how long browser wallets are given to answer.
const DefaultDiscoveryWindow = 100 * time.Millisecond

// Registry discovers providers on a Bus and remembers the latest result set.
type Registry struct {
	bus    *Bus
	logger log.Logger

	mu     sync.RWMutex
	latest map[string]Detail
}

func NewRegistry(bus *Bus, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Root()
	}
	return &Registry{
		bus:    bus,
		logger: logger.New("component", "registry"),
		latest: make(map[string]Detail),
	}
}

// Discover broadcasts a discovery request and collects announcements until the window
// closes or ctx is done. Announcements arriving after that are lost; an empty result is
// not an error. Entries are de-duplicated by UUID, the last announcement winning, and
// returned in order of first appearance.
func (r *Registry) Discover(ctx context.Context, window time.Duration) []Detail {
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}

	ch := make(chan Announcement, 16)
	sub := r.bus.SubscribeAnnouncements(ch)
	defer sub.Unsubscribe()

	go r.bus.RequestProviders()

	timer := time.NewTimer(window)
	defer timer.Stop()

	collected := newCollection()
loop:
	for {
		select {
		case a := <-ch:
			collected.add(a)
		case <-timer.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	found := collected.list()
	r.mu.Lock()
	r.latest = make(map[string]Detail, len(found))
	for _, d := range found {
		r.latest[d.Info.UUID] = d
	}
	r.mu.Unlock()

	r.logger.Debug("Provider discovery finished", "providers", len(found), "window", window)
	return found
}

// Lookup returns a provider from the most recent discovery.
func (r *Registry) Lookup(id string) (Detail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.latest[normalizeUUID(id)]
	return d, ok
}

type collection struct {
	order []string
	byID  map[string]Detail
}

func newCollection() *collection {
	return &collection{byID: make(map[string]Detail)}
}

func (c *collection) add(a Announcement) {
	id := normalizeUUID(a.Info.UUID)
	if id == "" || a.Provider == nil {
		return
	}
	info := a.Info
	info.UUID = id
	if _, seen := c.byID[id]; !seen {
		c.order = append(c.order, id)
	}
	c.byID[id] = Detail{Info: info, Provider: a.Provider}
}

func (c *collection) list() []Detail {
	out := make([]Detail, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
