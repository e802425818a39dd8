package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tu10ng/bspterm-sub000/pkg/connection"
)

// Entry represents an open terminal known to the application
type Entry struct {
	ID          string
	SessionName string
	Protocol    string
	Target      string
	Source      string
	OpenedAt    time.Time
	LastActive  time.Time
	Status      string

	Terminal connection.TerminalConnection
}

// ChangeKind identifies a registry mutation
type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is delivered to observers after every mutation
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

// Observer receives registry changes. It is called without the registry lock
// held and must not block.
type Observer func(Change)

// Registry maps entity IDs to terminal handles
type Registry struct {
	entries   map[string]*Entry
	observers map[int]Observer
	nextObs   int
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		observers: make(map[int]Observer),
	}
}

// Register adds or replaces an entry and returns its ID. The ID defaults to
// the terminal's connection ID.
func (r *Registry) Register(entry *Entry) string {
	r.mu.Lock()

	if entry.ID == "" {
		if entry.Terminal != nil {
			entry.ID = entry.Terminal.ID()
		} else {
			entry.ID = uuid.NewString()
		}
	}
	now := time.Now()
	if entry.OpenedAt.IsZero() {
		entry.OpenedAt = now
	}
	entry.LastActive = now
	if entry.Terminal != nil {
		entry.Status = entry.Terminal.State().String()
	}

	r.entries[entry.ID] = entry
	snapshot := *entry
	r.mu.Unlock()

	r.notify(Change{Kind: Added, Entry: snapshot})
	return entry.ID
}

// Get retrieves a copy of the entry by ID
func (r *Registry) Get(id string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil
	}
	entryCopy := *entry
	return &entryCopy
}

// Terminal returns the terminal handle registered under id
func (r *Registry) Terminal(id string) (connection.TerminalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists || entry.Terminal == nil {
		return nil, false
	}
	return entry.Terminal, true
}

// Touch updates the last activity timestamp and the status
func (r *Registry) Touch(id string, timestamp time.Time) {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	entry.LastActive = timestamp
	if entry.Terminal != nil {
		entry.Status = entry.Terminal.State().String()
	}
	snapshot := *entry
	r.mu.Unlock()

	r.notify(Change{Kind: Updated, Entry: snapshot})
}

// List returns all entries
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entryCopy := *entry
		entries = append(entries, &entryCopy)
	}

	return entries
}

// GetBySession returns all entries opened from the named session
func (r *Registry) GetBySession(name string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for _, entry := range r.entries {
		if entry.SessionName == name {
			entryCopy := *entry
			entries = append(entries, &entryCopy)
		}
	}

	return entries
}

// Count returns the number of entries
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Remove removes an entry from the registry
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	snapshot := *entry
	r.mu.Unlock()

	r.notify(Change{Kind: Removed, Entry: snapshot})
}

// Cleanup removes entries whose terminal has ended and returns how many were
// removed
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	var removed []Entry
	for id, entry := range r.entries {
		if entry.Terminal != nil && entry.Terminal.State().IsTerminal() {
			entry.Status = entry.Terminal.State().String()
			removed = append(removed, *entry)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range removed {
		r.notify(Change{Kind: Removed, Entry: entry})
	}
	return len(removed)
}

// Subscribe registers an observer and returns a function that removes it
func (r *Registry) Subscribe(o Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = o

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Registry) notify(change Change) {
	r.mu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.RUnlock()

	for _, o := range observers {
		o(change)
	}
}
