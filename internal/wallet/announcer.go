package wallet

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
)

// Announcer is the provider side of discovery: it announces once when started and again
// for every discovery request until its context ends.
type Announcer struct {
	bus    *Bus
	detail Detail
	logger log.Logger
}

func NewAnnouncer(bus *Bus, detail Detail, logger log.Logger) *Announcer {
	if logger == nil {
		logger = log.Root()
	}
	return &Announcer{
		bus:    bus,
		detail: detail,
		logger: logger.New("component", "announcer", "provider", detail.Info.Name),
	}
}

// Run blocks until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	requests := make(chan DiscoveryRequest, 4)
	sub := a.bus.SubscribeRequests(requests)
	defer sub.Unsubscribe()

	a.announce()
	for {
		select {
		case <-requests:
			a.announce()
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Announcer) announce() {
	n := a.bus.Announce(Announcement{Info: a.detail.Info, Provider: a.detail.Provider})
	a.logger.Trace("Announced provider", "listeners", n)
}
