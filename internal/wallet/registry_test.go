package wallet

import (
	"context"
	"testing"
	"time"
)

type stubProvider struct{ name string }

func (stubProvider) CallContext(context.Context, interface{}, string, ...interface{}) error {
	return nil
}

func respond(t *testing.T, bus *Bus, announcements ...Announcement) {
	t.Helper()
	reqs := make(chan DiscoveryRequest, 1)
	sub := bus.SubscribeRequests(reqs)
	go func() {
		defer sub.Unsubscribe()
		<-reqs
		for _, a := range announcements {
			bus.Announce(a)
		}
	}()
}

func TestDiscoverKeepsLastAnnouncementPerUUID(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(bus, nil)

	first := stubProvider{name: "first"}
	second := stubProvider{name: "second"}
	other := stubProvider{name: "other"}
	respond(t, bus,
		Announcement{Info: ProviderInfo{UUID: "a", Name: "Alpha"}, Provider: first},
		Announcement{Info: ProviderInfo{UUID: "b", Name: "Beta"}, Provider: other},
		Announcement{Info: ProviderInfo{UUID: "a", Name: "Alpha v2"}, Provider: second},
	)

	found := reg.Discover(context.Background(), 200*time.Millisecond)
	if len(found) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(found))
	}
	if found[0].Info.UUID != "a" || found[1].Info.UUID != "b" {
		t.Fatalf("unexpected order: %+v", found)
	}
	if found[0].Info.Name != "Alpha v2" || found[0].Provider != second {
		t.Fatalf("expected last announcement to win, got %+v", found[0])
	}

	d, ok := reg.Lookup("a")
	if !ok || d.Provider != second {
		t.Fatalf("lookup returned %+v %v", d, ok)
	}
}

func TestDiscoverWithoutProvidersIsEmpty(t *testing.T) {
	reg := NewRegistry(NewBus(), nil)
	found := reg.Discover(context.Background(), 10*time.Millisecond)
	if len(found) != 0 {
		t.Fatalf("expected no providers, got %d", len(found))
	}
	if _, ok := reg.Lookup("anything"); ok {
		t.Fatalf("lookup should miss on empty registry")
	}
}

func TestDiscoverDropsLateAnnouncements(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(bus, nil)

	reqs := make(chan DiscoveryRequest, 1)
	sub := bus.SubscribeRequests(reqs)
	defer sub.Unsubscribe()
	go func() {
		<-reqs
		time.Sleep(80 * time.Millisecond)
		bus.Announce(Announcement{Info: ProviderInfo{UUID: "slow"}, Provider: stubProvider{}})
	}()

	found := reg.Discover(context.Background(), 20*time.Millisecond)
	if len(found) != 0 {
		t.Fatalf("late announcement should be dropped, got %+v", found)
	}
}

func TestDiscoverIgnoresAnnouncementsWithoutIdentity(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(bus, nil)
	respond(t, bus,
		Announcement{Info: ProviderInfo{UUID: "  "}, Provider: stubProvider{}},
		Announcement{Info: ProviderInfo{UUID: "x"}},
		Announcement{Info: ProviderInfo{UUID: " y "}, Provider: stubProvider{}},
	)
	found := reg.Discover(context.Background(), 100*time.Millisecond)
	if len(found) != 1 || found[0].Info.UUID != "y" {
		t.Fatalf("unexpected providers: %+v", found)
	}
}

func TestAnnouncerAnswersEveryDiscovery(t *testing.T) {
	bus := NewBus()
	reg := NewRegistry(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := stubProvider{name: "wallet"}
	go NewAnnouncer(bus, Detail{Info: ProviderInfo{UUID: "w", Name: "Wallet"}, Provider: p}, nil).Run(ctx)

	var found []Detail
	for i := 0; i < 20 && len(found) == 0; i++ {
		found = reg.Discover(ctx, 25*time.Millisecond)
	}
	if len(found) != 1 || found[0].Provider != p {
		t.Fatalf("expected announcer's provider, got %+v", found)
	}

	again := reg.Discover(ctx, 50*time.Millisecond)
	if len(again) != 1 || again[0].Info.UUID != "w" {
		t.Fatalf("second discovery should find the same provider, got %+v", again)
	}
}
