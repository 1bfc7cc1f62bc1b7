package profile

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	registry     = make(map[string]Profile)
	registryLock sync.RWMutex
)

func init() {
	for _, p := range Builtin() {
		if err := Register(p); err != nil {
			panic(err)
		}
	}
}

// Register adds or replaces a profile.
func Register(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Packages = slices.Clone(p.Packages)

	registryLock.Lock()
	defer registryLock.Unlock()
	registry[p.ID] = p
	return nil
}

// Get returns a profile by ID.
func Get(id string) (Profile, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	p, ok := registry[id]
	if !ok {
		return Profile{}, &ErrUnknownProfile{ID: id}
	}
	p.Packages = slices.Clone(p.Packages)
	return p, nil
}

// List returns all registered profiles sorted by ID.
func List() []Profile {
	registryLock.RLock()
	defer registryLock.RUnlock()

	profiles := make([]Profile, 0, len(registry))
	for _, p := range registry {
		p.Packages = slices.Clone(p.Packages)
		profiles = append(profiles, p)
	}
	slices.SortFunc(profiles, func(a, b Profile) int {
		return strings.Compare(a.ID, b.ID)
	})
	return profiles
}

// IDs returns all registered profile IDs, sorted.
func IDs() []string {
	list := List()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	return ids
}

// ErrUnknownProfile is returned when a profile ID is not registered.
type ErrUnknownProfile struct {
	ID string
}

func (e *ErrUnknownProfile) Error() string {
	return fmt.Sprintf("unknown profile %q, available: %v", e.ID, IDs())
}
