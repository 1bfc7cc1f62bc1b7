package distro

import "path/filepath"

const alpineVersion = "3.21"

// AlpineProvider boots Alpine's virt kernel from a raw ext4 root disk.
type AlpineProvider struct {
	BaseProvider
}

// NewAlpineProvider creates a new Alpine Linux provider.
func NewAlpineProvider() *AlpineProvider {
	return &AlpineProvider{
		BaseProvider: BaseProvider{
			id:      Alpine,
			name:    "Alpine Linux",
			version: alpineVersion,
			archs:   []Arch{ArchAMD64, ArchARM64},
		},
	}
}

// BootConfig returns the kernel boot configuration for Alpine.
func (p *AlpineProvider) BootConfig(arch Arch) *BootConfig {
	console := ConsoleDevice()
	return &BootConfig{
		Cmdline:       "console=" + console + " root=/dev/vda rw rootfstype=ext4 modules=virtio_blk,ext4 init=/sbin/init",
		RootDevice:    "/dev/vda",
		RootFSType:    "ext4",
		ConsoleDevice: console,
	}
}

// Images returns the netboot kernel, initramfs and root disk paths.
func (p *AlpineProvider) Images(dir string, arch Arch) (*Images, error) {
	if !p.SupportsArch(arch) {
		return nil, &ErrUnsupportedArch{Distro: p.id, Arch: arch}
	}
	base := filepath.Join(dir, p.ImageSubdir(arch))
	return &Images{
		Kernel: filepath.Join(base, "vmlinuz-virt"),
		Initrd: filepath.Join(base, "initramfs-virt"),
		Disk:   filepath.Join(base, "rootfs.raw"),
	}, nil
}

func init() {
	Register(NewAlpineProvider())
}
