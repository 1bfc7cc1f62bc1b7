package hypervisortest

import (
	"sync"

	"github.com/javanstorm/vmworkbench/pkg/hypervisor"
)

// Factory hands out fake drivers and remembers each one.
type Factory struct {
	mu      sync.Mutex
	drivers []*Driver

	// Configure, when set, prepares each driver before it is returned.
	Configure func(*Driver)
	// Err makes New fail.
	Err error
}

// New implements hypervisor.Factory.
func (f *Factory) New() (hypervisor.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	d := &Driver{}
	if f.Configure != nil {
		f.Configure(d)
	}
	f.drivers = append(f.drivers, d)
	return d, nil
}

// Drivers returns every driver created so far.
func (f *Factory) Drivers() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers...)
}

// Last returns the most recently created driver, or nil.
func (f *Factory) Last() *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.drivers) == 0 {
		return nil
	}
	return f.drivers[len(f.drivers)-1]
}
