// Package directory holds the narrow collaborator interfaces the session
// core consumes: room membership bookkeeping, profile resolution, and outfit
// storage. The real services live outside this module; InMemory backs tests
// and single-process runs.
package directory

import (
	"context"
	"fmt"
	"sync"
)

// OutfitSlotCount fixes the size of an outfit slot array.
const OutfitSlotCount = 5

type Profile struct {
	Label  string
	Handle string
}

type Directory interface {
	Join(ctx context.Context, roomID, stableID string) error
	Leave(ctx context.Context, roomID, stableID string) error
	Membership(ctx context.Context, roomID string) ([]string, error)
}

type ProfileResolver interface {
	ResolveProfile(ctx context.Context, stableID string) (Profile, error)
}

type OutfitStore interface {
	Outfit(ctx context.Context, stableID string) ([]string, error)
	SetOutfit(ctx context.Context, stableID string, slots []string) error
}

// EndpointID derives the deterministic transport address for a participant
// in a room, so peers can address each other straight from the membership
// list without a rendezvous lookup.
func EndpointID(roomID, stableID string) string {
	return fmt.Sprintf("%s/%s", roomID, stableID)
}

// InMemory implements Directory, ProfileResolver, and OutfitStore with maps.
type InMemory struct {
	mu       sync.Mutex
	rooms    map[string]map[string]struct{}
	profiles map[string]Profile
	outfits  map[string][]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		rooms:    make(map[string]map[string]struct{}),
		profiles: make(map[string]Profile),
		outfits:  make(map[string][]string),
	}
}

func (d *InMemory) Join(_ context.Context, roomID, stableID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		d.rooms[roomID] = room
	}
	room[stableID] = struct{}{}
	return nil
}

func (d *InMemory) Leave(_ context.Context, roomID, stableID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok := d.rooms[roomID]; ok {
		delete(room, stableID)
		if len(room) == 0 {
			delete(d.rooms, roomID)
		}
	}
	return nil
}

func (d *InMemory) Membership(_ context.Context, roomID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := d.rooms[roomID]
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	return members, nil
}

func (d *InMemory) SetProfile(stableID string, profile Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[stableID] = profile
}

func (d *InMemory) ResolveProfile(_ context.Context, stableID string) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile, ok := d.profiles[stableID]
	if !ok {
		return Profile{}, fmt.Errorf("directory: no profile for %s", stableID)
	}
	return profile, nil
}

func (d *InMemory) Outfit(_ context.Context, stableID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slots, ok := d.outfits[stableID]
	if !ok {
		return make([]string, OutfitSlotCount), nil
	}
	return append([]string(nil), slots...), nil
}

func (d *InMemory) SetOutfit(_ context.Context, stableID string, slots []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	normalized := make([]string, OutfitSlotCount)
	copy(normalized, slots)
	d.outfits[stableID] = normalized
	return nil
}
