// Package registry tracks live workers (agents, context keepers) under
// composite team-scoped keys, with metadata that callers mutate
// atomically. Entries registered with a done channel are released
// automatically when the worker stops.
package registry

import (
	"fmt"
	"sync"
)

// Key identifies one worker within a team. Name is an agent name or
// "keeper:<id>".
type Key struct {
	TeamID string
	Name   string
}

func (k Key) String() string {
	return k.TeamID + "/" + k.Name
}

// KeeperName builds the registry name for a context keeper.
func KeeperName(keeperID string) string {
	return "keeper:" + keeperID
}

// Entry is one registration: an opaque worker reference plus metadata.
type Entry struct {
	Key  Key
	Ref  any
	Meta map[string]string
}

// Registry is the live-worker directory.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*Entry)}
}

// Register adds a worker under key. Registering a taken key fails. A
// non-nil done channel arms a watcher that unregisters the key when
// the channel closes, so dead workers never leak entries.
func (r *Registry) Register(key Key, ref any, meta map[string]string, done <-chan struct{}) error {
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: %s already registered", key)
	}
	if meta == nil {
		meta = make(map[string]string)
	}
	entry := &Entry{Key: key, Ref: ref, Meta: meta}
	r.entries[key] = entry
	r.mu.Unlock()

	if done != nil {
		go func() {
			<-done
			r.unregisterEntry(key, entry)
		}()
	}
	return nil
}

// Lookup returns the entry for key.
func (r *Registry) Lookup(key Key) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// UpdateMeta applies fn to the metadata under the registry lock,
// making concurrent read-modify-write sequences safe.
func (r *Registry) UpdateMeta(key Key, fn func(meta map[string]string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	fn(e.Meta)
	return true
}

// Unregister removes a key. Unknown keys are ignored.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// unregisterEntry removes the key only if it still points at the same
// registration, so a re-registered key is not torn down by a stale
// watcher.
func (r *Registry) unregisterEntry(key Key, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[key]; ok && current == entry {
		delete(r.entries, key)
	}
}

// Select returns snapshots of every entry matching the predicate.
func (r *Registry) Select(pred func(*Entry) bool) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if pred(e) {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Team returns snapshots of every entry registered under a team.
func (r *Registry) Team(teamID string) []*Entry {
	return r.Select(func(e *Entry) bool { return e.Key.TeamID == teamID })
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// snapshot copies the entry so callers can read metadata without
// holding the registry lock. Must be called with the lock held.
func (e *Entry) snapshot() *Entry {
	meta := make(map[string]string, len(e.Meta))
	for k, v := range e.Meta {
		meta[k] = v
	}
	return &Entry{Key: e.Key, Ref: e.Ref, Meta: meta}
}
