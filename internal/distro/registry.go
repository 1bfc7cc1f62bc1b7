package distro

import (
	"fmt"
	"slices"
	"sync"
)

var (
	registry     = make(map[ID]Provider)
	registryLock sync.RWMutex
	defaultID    ID = Alpine
)

// Register adds a provider to the registry.
// This should be called from init() functions in provider implementations.
func Register(p Provider) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[p.ID()] = p
}

// Get returns a provider by ID.
func Get(id ID) (Provider, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	p, ok := registry[id]
	if !ok {
		return nil, &ErrUnknownDistro{ID: id}
	}
	return p, nil
}

// GetDefault returns the default distribution provider.
func GetDefault() (Provider, error) {
	return Get(defaultID)
}

// DefaultID returns the default distribution ID.
func DefaultID() ID {
	return defaultID
}

// List returns all registered provider IDs, sorted.
func List() []ID {
	registryLock.RLock()
	defer registryLock.RUnlock()

	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ParseID parses a string into a distro ID, returning an error if unknown.
// An empty string selects the default.
func ParseID(s string) (ID, error) {
	if s == "" {
		return defaultID, nil
	}
	id := ID(s)
	if _, err := Get(id); err != nil {
		return "", err
	}
	return id, nil
}

// ErrUnknownDistro is returned when a distribution ID is not found.
type ErrUnknownDistro struct {
	ID ID
}

func (e *ErrUnknownDistro) Error() string {
	return fmt.Sprintf("unknown distribution %q, available: %v", e.ID, List())
}
