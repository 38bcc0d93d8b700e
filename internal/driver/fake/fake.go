// Package fake is a simulated out-of-band driver. It backs dryrun mode
// and tests, keeping per server state in memory including restart
// windows after a power cycle.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
)

const Name = "fake"

var errCantFindServer = errors.New("simulated BMC couldnt find server to set state")

type serverState struct {
	powerStatus        string
	bootTime           time.Time
	bootDevice         string
	previousBootDevice string
	persistent         bool
	efiBoot            bool
}

// Driver simulates a fleet of management controllers.
type Driver struct {
	mu      sync.Mutex
	servers map[string]*serverState
}

// Registration declares the simulated driver with every capability.
func Registration() driver.Registration {
	return driver.Registration{
		Name: Name,
		Capabilities: []driver.Capability{
			driver.CapabilityPower,
			driver.CapabilityManagement,
			driver.CapabilityVendorPassthru,
		},
		New: func(_ *logrus.Entry) (driver.Driver, error) {
			return New(), nil
		},
	}
}

func New() *Driver {
	return &Driver{
		servers: map[string]*serverState{},
	}
}

// Open creates a session for the node, seeding a default simulated
// server on first contact.
func (d *Driver) Open(_ context.Context, node *model.Node) (driver.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := node.ID.String()
	if _, ok := d.servers[id]; !ok {
		d.servers[id] = defaultServerState()
	}

	return &Client{driver: d, id: id}, nil
}

// Client is a simulated session against one server.
type Client struct {
	driver *Driver
	id     string
}

// Close simulates logging out of the BMC
func (c *Client) Close(_ context.Context) error {
	return nil
}

// GetPowerState simulates returning the device power status
func (c *Client) GetPowerState(_ context.Context) (string, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	server, err := c.server()
	if err != nil {
		return "", err
	}

	return server.powerStatus, nil
}

// SetPowerState simulates setting the given power state on the device
func (c *Client) SetPowerState(_ context.Context, state string) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	server, err := c.server()
	if err != nil {
		return err
	}

	if isRestarting(state) {
		server.bootTime = restartTime(state)
	}

	server.powerStatus = state

	return nil
}

// SetBootDevice simulates setting the boot device of the remote device.
// The override lands while powered off too, it applies on next boot.
func (c *Client) SetBootDevice(_ context.Context, device *model.BootDevice) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	server, err := c.server()
	if err != nil {
		return err
	}

	server.previousBootDevice = server.bootDevice
	server.bootDevice = device.Device
	server.persistent = device.Persistent
	server.efiBoot = device.EFIBoot

	return nil
}

// GetBootDevice simulates getting the boot device information of the remote device
func (c *Client) GetBootDevice(_ context.Context) (*model.BootDevice, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	server, err := c.server()
	if err != nil {
		return nil, err
	}

	return &model.BootDevice{
		Device:     server.bootDevice,
		Persistent: server.persistent,
		EFIBoot:    server.efiBoot,
	}, nil
}

// VendorPassthru simulates vendor specific controller methods.
func (c *Client) VendorPassthru(_ context.Context, method string, _ map[string]any) (map[string]any, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	server, err := c.server()
	if err != nil {
		return nil, err
	}

	switch method {
	case "bmc_reset":
		return nil, nil
	case "read_sensors":
		readings := map[string]any{
			"inlet_temp_celsius": 24,
			"power_state":        server.powerStatus,
		}

		return readings, nil
	default:
		return nil, errors.Wrap(model.ErrUnsupportedMethod, method)
	}
}

// server returns the simulated server state, applying a pending restart
// if its boot window has passed. Callers hold the driver mutex.
func (c *Client) server() (*serverState, error) {
	state, ok := c.driver.servers[c.id]
	if !ok {
		return nil, errCantFindServer
	}

	if isRestarting(state.powerStatus) && time.Now().After(state.bootTime) {
		state.powerStatus = model.PowerStateOn

		if !state.persistent {
			state.bootDevice = state.previousBootDevice
		}
	}

	return state, nil
}

func isRestarting(state string) bool {
	switch state {
	case model.PowerStateReset, model.PowerStateCycle:
		return true
	default:
		return false
	}
}

func restartTime(state string) time.Time {
	switch state {
	case model.PowerStateReset:
		return time.Now().Add(time.Second * 30) // Soft reboot should take longer than a hard reboot
	case model.PowerStateCycle:
		return time.Now().Add(time.Second * 20)
	default:
		return time.Now() // No reboot necessary
	}
}

func defaultServerState() *serverState {
	return &serverState{
		powerStatus:        model.PowerStateOn,
		bootDevice:         model.BootDeviceDisk,
		previousBootDevice: model.BootDeviceDisk,
		persistent:         true,
		efiBoot:            false,
		bootTime:           time.Now(),
	}
}
