// Package directory keeps a live view of every house the session can see.
package directory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"ravenhall/internal/house"
	"ravenhall/internal/live"
	"ravenhall/internal/store"
)

// HouseStore is the slice of the record store the directory needs.
type HouseStore interface {
	ListHouses(ctx context.Context) ([]store.House, error)
}

// Notifier delivers houses-changed notifications.
type Notifier interface {
	Subscribe(ctx context.Context, topic string, fn func()) (func(), error)
}

// Directory mirrors the houses collection. Every change notification
// replaces the snapshot with a fresh read; consumers only ever see full
// result sets.
type Directory struct {
	records HouseStore
	bus     Notifier

	mu       sync.Mutex
	houses   []store.House
	cancel   func()
	onUpdate func([]store.House)
}

func New(records HouseStore, bus Notifier) *Directory {
	return &Directory{records: records, bus: bus}
}

// OnUpdate registers the consumer callback, fired after every replacement.
func (d *Directory) OnUpdate(fn func([]store.House)) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

// Start loads the initial snapshot and begins streaming changes. It is an
// error to call Start twice without Stop in between.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return fmt.Errorf("directory already started")
	}
	d.mu.Unlock()

	cancel, err := d.bus.Subscribe(ctx, live.TopicHouses, func() {
		d.refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("subscribe houses: %w", err)
	}

	houses, err := d.records.ListHouses(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("load houses: %w", err)
	}

	d.mu.Lock()
	d.cancel = cancel
	d.houses = houses
	fn := d.onUpdate
	d.mu.Unlock()

	if fn != nil {
		fn(houses)
	}
	return nil
}

// Stop releases the subscription. The directory keeps its last snapshot.
func (d *Directory) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Directory) refresh(ctx context.Context) {
	houses, err := d.records.ListHouses(ctx)
	if err != nil {
		log.Printf("directory: refresh: %v", err)
		return
	}

	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.houses = houses
	fn := d.onUpdate
	d.mu.Unlock()

	if fn != nil {
		fn(houses)
	}
}

// Houses returns a copy of the current snapshot.
func (d *Directory) Houses() []store.House {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]store.House, len(d.houses))
	copy(out, d.houses)
	return out
}

// HousesFor returns the houses the user belongs to.
func (d *Directory) HousesFor(user store.User) []store.House {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.House
	for _, h := range d.houses {
		if user.InHouse(h.ID) {
			out = append(out, h)
		}
	}
	return out
}

// ByID finds a house in the snapshot.
func (d *Directory) ByID(id string) (store.House, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.houses {
		if h.ID == id {
			return h, true
		}
	}
	return store.House{}, false
}

// ByInviteCode finds a house by normalized invite code in the snapshot.
func (d *Directory) ByInviteCode(code string) (store.House, bool) {
	normalized := house.NormalizeInviteCode(code)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.houses {
		if h.InviteCode == normalized {
			return h, true
		}
	}
	return store.House{}, false
}
