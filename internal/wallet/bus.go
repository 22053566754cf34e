package wallet

import "github.com/ethereum/go-ethereum/event"

// DiscoveryRequest asks every listening provider to announce itself.
type DiscoveryRequest struct{}

// Announcement is the payload a provider publishes in reply to a DiscoveryRequest.
type Announcement struct {
	Info     ProviderInfo
	Provider Provider
}

// Bus is the shared channel providers and registries meet on.
type Bus struct {
	requests      event.Feed
	announcements event.Feed
}

func NewBus() *Bus {
	return &Bus{}
}

// RequestProviders broadcasts a discovery request and returns how many providers received it.
func (b *Bus) RequestProviders() int {
	return b.requests.Send(DiscoveryRequest{})
}

// Announce publishes a provider to every subscribed registry.
func (b *Bus) Announce(a Announcement) int {
	return b.announcements.Send(a)
}

func (b *Bus) SubscribeRequests(ch chan<- DiscoveryRequest) event.Subscription {
	return b.requests.Subscribe(ch)
}

func (b *Bus) SubscribeAnnouncements(ch chan<- Announcement) event.Subscription {
	return b.announcements.Subscribe(ch)
}
