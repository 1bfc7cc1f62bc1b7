package distro

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	tests := []struct {
		name    string
		id      ID
		wantErr bool
	}{
		{"alpine", Alpine, false},
		{"unknown", ID("unknown"), true},
		{"empty", ID(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := Get(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("Get(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
				return
			}
			if !tt.wantErr && provider.ID() != tt.id {
				t.Errorf("Get(%q) returned provider with ID %q", tt.id, provider.ID())
			}
		})
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		input   string
		want    ID
		wantErr bool
	}{
		{"alpine", Alpine, false},
		{"", Alpine, false},
		{"not-a-distro", "", true},
	}

	for _, tt := range tests {
		got, err := ParseID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseID(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	_, err := ParseID("nonexistent")
	var unknownErr *ErrUnknownDistro
	if !errors.As(err, &unknownErr) {
		t.Fatalf("error should be *ErrUnknownDistro, got %T", err)
	}
	if !strings.Contains(err.Error(), "alpine") {
		t.Errorf("error %q should list available distributions", err)
	}
}

func TestAlpineBootConfig(t *testing.T) {
	p := NewAlpineProvider()
	bc := p.BootConfig(ArchAMD64)
	if !strings.Contains(bc.Cmdline, "console="+ConsoleDevice()) {
		t.Errorf("Cmdline %q does not name console %s", bc.Cmdline, ConsoleDevice())
	}
	if !strings.Contains(bc.Cmdline, "root="+bc.RootDevice) {
		t.Errorf("Cmdline %q does not name root device", bc.Cmdline)
	}
}

func TestAlpineImages(t *testing.T) {
	p := NewAlpineProvider()
	img, err := p.Images("/var/images", ArchARM64)
	if err != nil {
		t.Fatalf("Images() error = %v", err)
	}
	want := filepath.Join("/var/images", "alpine", alpineVersion, "arm64", "vmlinuz-virt")
	if img.Kernel != want {
		t.Errorf("Kernel = %q, want %q", img.Kernel, want)
	}
	if img.Disk == "" || img.Initrd == "" {
		t.Error("Disk and Initrd should be set")
	}

	_, err = p.Images("/var/images", Arch("riscv64"))
	var archErr *ErrUnsupportedArch
	if !errors.As(err, &archErr) {
		t.Errorf("expected *ErrUnsupportedArch, got %v", err)
	}
}
