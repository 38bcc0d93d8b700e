// Package driver defines the contract between the conductor core and
// vendor specific out-of-band implementations, and the registry that
// resolves them by name.
package driver

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Capability names a group of controller operations a driver provides.
type Capability string

const (
	CapabilityPower          Capability = "power"
	CapabilityManagement     Capability = "management"
	CapabilityVendorPassthru Capability = "vendor_passthru"
)

// Driver opens out-of-band sessions against the nodes it manages.
type Driver interface {
	// Open establishes a session with the node's management controller.
	Open(ctx context.Context, node *model.Node) (Client, error)
}

// Client is an open session with one node's controller. Capability
// interfaces are discovered by type assertion on the client; the
// registry records which assertions are expected to hold per driver.
type Client interface {
	Close(ctx context.Context) error
}

// Power controls and observes node power through an open session.
type Power interface {
	Client
	GetPowerState(ctx context.Context) (string, error)
	SetPowerState(ctx context.Context, state string) error
}

// Management configures how a node boots.
type Management interface {
	Client
	GetBootDevice(ctx context.Context) (*model.BootDevice, error)
	SetBootDevice(ctx context.Context, device *model.BootDevice) error
}

// VendorPassthru invokes vendor specific controller methods.
type VendorPassthru interface {
	Client
	VendorPassthru(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Factory builds a driver instance. Factories run lazily at first
// resolve, never at registration, so a missing optional dependency
// surfaces as a resolution error instead of breaking process start.
type Factory func(logger *logrus.Entry) (Driver, error)

// Registration declares a driver name, its capability set, and the
// factory that builds it.
type Registration struct {
	Name         string
	Capabilities []Capability
	New          Factory
}

// Descriptor describes a registered driver for operator visibility.
type Descriptor struct {
	Name         string
	Capabilities []Capability
	Available    bool
	Reason       string
}
