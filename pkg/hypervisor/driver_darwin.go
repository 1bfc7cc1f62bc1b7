//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/sirupsen/logrus"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu      sync.Mutex
	opMu    sync.Mutex // serializes save and restore
	baseDir string
	cfg     *VMConfig
	vm      *vz.VirtualMachine
	vmCfg   *vz.VirtualMachineConfiguration
	state   driverState
	events  Events
	gen     int // bumped whenever vm is replaced or stopped

	// Serial pipes. The VM reads inputReader and writes outputWriter.
	inputWriter  *os.File
	outputReader *os.File
	inputReader  *os.File
	outputWriter *os.File
	readerDone   chan struct{}
}

type driverState int

const (
	stateNew driverState = iota
	stateRunning
	stateStopped
)

// NewDriver creates a new vz-based driver for macOS.
func NewDriver(opts Options) (Driver, error) {
	return &vzDriver{
		baseDir: opts.WorkDir,
		state:   stateNew,
	}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Firmware != "" {
		logrus.WithField("firmware", cfg.Firmware).Debug("vz boots the kernel directly, firmware ignored")
	}
	return nil
}

// buildConfig assembles the machine configuration. The same configuration
// (and machine identifier) is reused on restore.
func (d *vzDriver) buildConfig(cfg *VMConfig) (*vz.VirtualMachineConfiguration, error) {
	opts := []vz.LinuxBootLoaderOption{vz.WithCommandLine(cfg.Cmdline)}
	if cfg.Initrd != "" {
		opts = append(opts, vz.WithInitrd(cfg.Initrd))
	}
	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel, opts...)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(
		vz.NewFileHandleSerialPortAttachment(d.inputReader, d.outputWriter),
	)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})

	if cfg.EnableNetwork {
		natAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create NAT attachment: %w", err)
		}
		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create network config: %w", err)
		}
		macAddr, err := vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, fmt.Errorf("vzDriver: generate random MAC: %w", err)
		}
		netConfig.SetMACAddress(macAddr)
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netConfig})
	}

	if cfg.DiskPath != "" {
		diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.DiskPath, false)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create disk attachment: %w", err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create block device: %w", err)
		}
		vmCfg.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}
	return vmCfg, nil
}

func (d *vzDriver) openPipes() error {
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("vzDriver: create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		inputReader.Close()
		inputWriter.Close()
		return fmt.Errorf("vzDriver: create output pipe: %w", err)
	}
	d.inputReader, d.inputWriter = inputReader, inputWriter
	d.outputReader, d.outputWriter = outputReader, outputWriter
	return nil
}

func (d *vzDriver) closePipes() {
	for _, f := range []*os.File{d.inputReader, d.inputWriter, d.outputReader, d.outputWriter} {
		if f != nil {
			f.Close()
		}
	}
	d.inputReader, d.inputWriter, d.outputReader, d.outputWriter = nil, nil, nil, nil
}

func (d *vzDriver) Start(ctx context.Context, cfg *VMConfig, events Events) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateRunning {
		return ErrAlreadyRunning
	}
	if err := d.openPipes(); err != nil {
		return err
	}
	vmCfg, err := d.buildConfig(cfg)
	if err != nil {
		d.closePipes()
		return err
	}
	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		d.closePipes()
		return fmt.Errorf("vzDriver: create VM: %w", err)
	}
	if err := vm.Start(); err != nil {
		d.closePipes()
		return fmt.Errorf("vzDriver: start VM: %w", err)
	}

	d.cfg = cfg
	d.vmCfg = vmCfg
	d.vm = vm
	d.events = events
	d.state = stateRunning
	d.gen++
	d.readerDone = make(chan struct{})

	go d.readSerial(d.outputReader, events, d.readerDone)
	go d.monitor(vm, d.gen)
	go events.Started()
	return nil
}

func (d *vzDriver) readSerial(r *os.File, events Events, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			events.SerialByte(b)
		}
		if err != nil {
			return
		}
	}
}

// monitor reports an exit of vm unless the driver replaced or stopped it.
func (d *vzDriver) monitor(vm *vz.VirtualMachine, gen int) {
	for state := range vm.StateChangedNotify() {
		if state != vz.VirtualMachineStateStopped && state != vz.VirtualMachineStateError {
			continue
		}
		d.mu.Lock()
		current := d.gen == gen && d.state == stateRunning
		if current {
			d.state = stateStopped
		}
		events := d.events
		d.mu.Unlock()
		if !current {
			return
		}
		var err error
		if state == vz.VirtualMachineStateError {
			err = fmt.Errorf("vzDriver: VM entered error state")
		}
		events.Exited(err)
		return
	}
}

func (d *vzDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}
	d.gen++
	d.state = stateStopped

	var stopErr error
	if d.vm.CanStop() {
		if err := d.vm.Stop(); err != nil {
			stopErr = fmt.Errorf("vzDriver: force stop: %w", err)
		}
	}
	d.closePipes()
	if d.readerDone != nil {
		<-d.readerDone
	}
	return stopErr
}

func (d *vzDriver) SaveState(ctx context.Context) ([]byte, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	vm := d.vm
	running := d.state == stateRunning
	d.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	dir, err := os.MkdirTemp(d.baseDir, "vz-save-")
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create save dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "machine.vzvmsave")

	if err := vm.Pause(); err != nil {
		return nil, fmt.Errorf("vzDriver: pause: %w", err)
	}
	defer func() {
		if err := vm.Resume(); err != nil {
			logrus.WithError(err).Warn("vz resume after save failed")
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := vm.SaveMachineStateToPath(path); err != nil {
		return nil, fmt.Errorf("vzDriver: save machine state: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: read saved state: %w", err)
	}
	return data, nil
}

func (d *vzDriver) RestoreState(ctx context.Context, state []byte) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	dir, err := os.MkdirTemp(d.baseDir, "vz-restore-")
	if err != nil {
		return fmt.Errorf("vzDriver: create restore dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "machine.vzvmsave")
	if err := os.WriteFile(path, state, 0o600); err != nil {
		return fmt.Errorf("vzDriver: write restore file: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning {
		return ErrNotRunning
	}

	d.gen++
	if d.vm.CanStop() {
		if err := d.vm.Stop(); err != nil {
			return fmt.Errorf("vzDriver: stop before restore: %w", err)
		}
	}
	if err := waitVZState(ctx, d.vm, vz.VirtualMachineStateStopped); err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}

	vm, err := vz.NewVirtualMachine(d.vmCfg)
	if err != nil {
		d.state = stateStopped
		return fmt.Errorf("vzDriver: recreate VM: %w", err)
	}
	if err := vm.RestoreMachineStateFromURL(path); err != nil {
		d.state = stateStopped
		return fmt.Errorf("vzDriver: restore machine state: %w", err)
	}
	if err := vm.Resume(); err != nil {
		d.state = stateStopped
		return fmt.Errorf("vzDriver: resume restored VM: %w", err)
	}
	d.vm = vm
	go d.monitor(vm, d.gen)
	return nil
}

func waitVZState(ctx context.Context, vm *vz.VirtualMachine, want vz.VirtualMachineState) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for vm.State() != want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *vzDriver) SendSerial(p []byte) error {
	d.mu.Lock()
	w := d.inputWriter
	d.mu.Unlock()
	if w == nil {
		return ErrNotRunning
	}
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("vzDriver: write serial: %w", err)
	}
	return nil
}

func (d *vzDriver) Capabilities() Capabilities {
	return Capabilities{
		Snapshots:  true, // macOS 14+
		Networking: true,
	}
}
