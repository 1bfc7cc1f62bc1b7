// Package distro describes the boot images a VM session starts from.
package distro

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
)

// ID identifies a Linux distribution.
type ID string

const Alpine ID = "alpine"

// Arch represents a CPU architecture.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// CurrentArch returns the current system architecture.
func CurrentArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64
	case "arm64":
		return ArchARM64
	default:
		return ""
	}
}

// ConsoleDevice returns the guest console the local engine wires to the
// serial bridge: a virtio console under Virtualization.framework, the
// first UART under QEMU.
func ConsoleDevice() string {
	if runtime.GOOS == "darwin" {
		return "hvc0"
	}
	return "ttyS0"
}

// BootConfig contains kernel boot configuration.
type BootConfig struct {
	Cmdline       string // Kernel command line
	RootDevice    string // Root device (e.g., /dev/vda)
	RootFSType    string // Root filesystem type (e.g., ext4)
	ConsoleDevice string // Console device (e.g., ttyS0)
}

// Images locates the boot artifacts of a distribution inside an image
// directory.
type Images struct {
	Kernel   string
	Initrd   string
	Firmware string // optional
	Disk     string
}

// Provider defines the interface for distribution-specific configuration.
type Provider interface {
	ID() ID
	Name() string
	Version() string
	SupportedArchs() []Arch
	SupportsArch(arch Arch) bool

	// BootConfig returns the kernel boot configuration.
	BootConfig(arch Arch) *BootConfig

	// Images returns artifact paths below dir for arch.
	Images(dir string, arch Arch) (*Images, error)

	// ImageSubdir returns the directory holding arch's artifacts,
	// relative to the image directory: {distro}/{version}/{arch}.
	ImageSubdir(arch Arch) string
}

// BaseProvider implements common Provider functionality.
type BaseProvider struct {
	id      ID
	name    string
	version string
	archs   []Arch
}

func (p *BaseProvider) ID() ID                 { return p.id }
func (p *BaseProvider) Name() string           { return p.name }
func (p *BaseProvider) Version() string        { return p.version }
func (p *BaseProvider) SupportedArchs() []Arch { return p.archs }

// SupportsArch checks if the given architecture is supported.
func (p *BaseProvider) SupportsArch(arch Arch) bool {
	return slices.Contains(p.archs, arch)
}

// ImageSubdir returns the per-arch image subdirectory.
func (p *BaseProvider) ImageSubdir(arch Arch) string {
	return filepath.Join(string(p.id), p.version, string(arch))
}

// ErrUnsupportedArch is returned when an architecture is not supported.
type ErrUnsupportedArch struct {
	Distro ID
	Arch   Arch
}

func (e *ErrUnsupportedArch) Error() string {
	return fmt.Sprintf("architecture %s not supported by %s", e.Arch, e.Distro)
}
