package driver

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Registry resolves drivers by name. Instantiation is lazy and
// single-flighted per name; a factory failure is cached so every later
// resolve returns the same explanatory error without re-running the
// factory.
type Registry struct {
	logger *logrus.Entry

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	reg  Registration
	caps map[Capability]struct{}

	mu       sync.Mutex
	resolved bool
	driver   Driver
	err      error
}

func NewRegistry(logger *logrus.Entry) *Registry {
	return &Registry{
		logger:  logger,
		entries: map[string]*entry{},
	}
}

// Register records a driver registration. The factory is not invoked.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.New == nil {
		return errors.Wrap(ErrRegistration, "name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Name]; exists {
		return errors.Wrap(ErrDuplicateDriver, reg.Name)
	}

	caps := make(map[Capability]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		caps[c] = struct{}{}
	}

	r.entries[reg.Name] = &entry{reg: reg, caps: caps}

	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, errors.Wrap(model.ErrDriverUnavailable, "unknown driver: "+name)
	}

	return e, nil
}

// Resolve returns the driver instance for name, building it on first
// use. Concurrent resolves of the same name share one factory run.
func (r *Registry) Resolve(name string) (Driver, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.resolved {
		drv, ferr := e.reg.New(r.logger.WithField("driver", name))
		if ferr != nil {
			e.err = errors.Wrap(model.ErrDriverUnavailable, name+": "+ferr.Error())
			r.logger.WithField("driver", name).WithError(ferr).Warn("driver factory failed, caching failure")
		}

		e.driver = drv
		e.resolved = true
	}

	return e.driver, e.err
}

// Supports reports through its error whether the named driver declares
// every given capability. The check uses registration metadata only, so
// it never triggers instantiation or network I/O.
func (r *Registry) Supports(name string, capabilities ...Capability) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	for _, capability := range capabilities {
		if _, ok := e.caps[capability]; !ok {
			return errors.Wrap(model.ErrCapabilityNotSupported, "driver "+name+" does not provide "+string(capability))
		}
	}

	return nil
}

// Descriptors lists the registered drivers sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))

	for name, e := range r.entries {
		d := Descriptor{
			Name:         name,
			Capabilities: append([]Capability{}, e.reg.Capabilities...),
			Available:    true,
		}

		e.mu.Lock()
		if e.err != nil {
			d.Available = false
			d.Reason = e.err.Error()
		}
		e.mu.Unlock()

		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
