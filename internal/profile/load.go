package profile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a profile file:
//
//	profiles:
//	  - id: postgres
//	    name: PostgreSQL
//	    packages: [postgresql, postgresql-client]
//	    script: psql --version
type File struct {
	Profiles []Profile `yaml:"profiles"`
}

// Parse decodes and validates a profile file. Unknown keys are rejected.
func Parse(data []byte) ([]Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	seen := make(map[string]bool, len(f.Profiles))
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidProfile, p.ID)
		}
		seen[p.ID] = true
	}
	return f.Profiles, nil
}

// LoadFile reads profiles from path without registering them.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	profiles, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// RegisterFile loads path and registers every profile in it.
func RegisterFile(path string) ([]Profile, error) {
	profiles, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if err := Register(p); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}
