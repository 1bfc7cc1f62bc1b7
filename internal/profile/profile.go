// Package profile describes package bundles that can be installed into the
// guest and renders them as shell scripts.
package profile

import (
	"errors"
	"fmt"
	"strings"
)

// Profile is an immutable package bundle descriptor.
type Profile struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Packages    []string `yaml:"packages"`
	// Script runs after installation to verify the packages work.
	Script string `yaml:"script"`
}

var ErrInvalidProfile = errors.New("profile: invalid profile")

// Validate checks the fields a script needs.
func (p Profile) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidProfile)
	case strings.ContainsAny(p.ID, " \t\n/"):
		return fmt.Errorf("%w: id %q contains whitespace or '/'", ErrInvalidProfile, p.ID)
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: %s: empty name", ErrInvalidProfile, p.ID)
	case len(p.Packages) == 0:
		return fmt.Errorf("%w: %s: no packages", ErrInvalidProfile, p.ID)
	}
	for _, pkg := range p.Packages {
		if pkg == "" || strings.ContainsAny(pkg, " \t\n;&|$`'\"") {
			return fmt.Errorf("%w: %s: bad package name %q", ErrInvalidProfile, p.ID, pkg)
		}
	}
	return nil
}

// Builtin returns the profiles shipped with vmworkbench.
func Builtin() []Profile {
	return []Profile{
		{
			ID:          "nodejs-22",
			Name:        "Node.js 22",
			Description: "Node.js runtime with npm",
			Packages:    []string{"nodejs", "npm"},
			Script:      "node --version\nnpm --version",
		},
		{
			ID:          "python3",
			Name:        "Python 3",
			Description: "Python interpreter with pip",
			Packages:    []string{"python3", "py3-pip"},
			Script:      "python3 --version\npip3 --version",
		},
		{
			ID:          "devtools",
			Name:        "Dev Tools",
			Description: "GCC, Make, Git, and other build essentials",
			Packages:    []string{"build-base", "git", "curl", "wget"},
			Script:      "gcc --version\ngit --version",
		},
		{
			ID:          "rust",
			Name:        "Rust",
			Description: "Rust compiler and Cargo",
			Packages:    []string{"rust", "cargo"},
			Script:      "rustc --version\ncargo --version",
		},
		{
			ID:          "go",
			Name:        "Go",
			Description: "Go programming language",
			Packages:    []string{"go"},
			Script:      "go version",
		},
	}
}
