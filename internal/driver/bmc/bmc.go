// Package bmc drives servers through their baseboard management
// controllers using bmclib, covering IPMI and Redfish capable
// endpoints.
package bmc

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/bmc-toolbox/bmclib/v2"
	bmcliberrs "github.com/bmc-toolbox/bmclib/v2/errors"
	"github.com/bombsimon/logrusr/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
)

const (
	NameIPMI    = "ipmi"
	NameRedfish = "redfish"

	providerTimeout = 30 * time.Second
)

// IPMIRegistration declares the IPMI driver. Its factory verifies the
// ipmitool binary is installed, since bmclib shells out to it for
// lanplus sessions.
func IPMIRegistration() driver.Registration {
	return driver.Registration{
		Name: NameIPMI,
		Capabilities: []driver.Capability{
			driver.CapabilityPower,
			driver.CapabilityManagement,
		},
		New: func(logger *logrus.Entry) (driver.Driver, error) {
			if _, err := exec.LookPath("ipmitool"); err != nil {
				return nil, errors.New("ipmitool binary not found in PATH, install ipmitool")
			}

			return &Driver{logger: logger, timeout: providerTimeout}, nil
		},
	}
}

// RedfishRegistration declares the Redfish driver.
func RedfishRegistration() driver.Registration {
	return driver.Registration{
		Name: NameRedfish,
		Capabilities: []driver.Capability{
			driver.CapabilityPower,
			driver.CapabilityManagement,
		},
		New: func(logger *logrus.Entry) (driver.Driver, error) {
			return &Driver{logger: logger, timeout: providerTimeout}, nil
		},
	}
}

// Driver opens bmclib sessions against node BMCs.
type Driver struct {
	logger  *logrus.Entry
	timeout time.Duration
}

func (d *Driver) Open(ctx context.Context, node *model.Node) (driver.Client, error) {
	client := bmclib.NewClient(
		node.BmcAddress.String(),
		node.BmcUsername,
		node.BmcPassword,
		bmclib.WithLogger(logrusr.New(d.logger.Logger)),
		bmclib.WithPerProviderTimeout(d.timeout),
	)

	if err := client.Open(ctx); err != nil {
		return nil, classify(err, "opening BMC session")
	}

	return &Client{client: client}, nil
}

// Client is an open bmclib session against one node's BMC.
type Client struct {
	client *bmclib.Client
}

func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

func (c *Client) GetPowerState(ctx context.Context) (string, error) {
	state, err := c.client.GetPowerState(ctx)
	if err != nil {
		return "", classify(err, "getting power state")
	}

	// redfish providers report "On", ipmitool reports "on"
	return strings.ToLower(state), nil
}

func (c *Client) SetPowerState(ctx context.Context, state string) error {
	if _, err := c.client.SetPowerState(ctx, state); err != nil {
		return classify(err, "setting power state "+state)
	}

	return nil
}

func (c *Client) GetBootDevice(ctx context.Context) (*model.BootDevice, error) {
	override, err := c.client.GetBootDeviceOverride(ctx)
	if err != nil {
		return nil, classify(err, "getting boot device")
	}

	return &model.BootDevice{
		Device:     string(override.Device),
		Persistent: override.IsPersistent,
		EFIBoot:    override.IsEFIBoot,
	}, nil
}

func (c *Client) SetBootDevice(ctx context.Context, device *model.BootDevice) error {
	if _, err := c.client.SetBootDevice(ctx, device.Device, device.Persistent, device.EFIBoot); err != nil {
		return classify(err, "setting boot device "+device.Device)
	}

	return nil
}

// classify maps bmclib failures onto the conductor error taxonomy.
// Login rejections are permanent; everything else coming out of a BMC
// is treated as transport flakiness and left to the retry policy.
func classify(err error, msg string) error {
	if errors.Is(err, bmcliberrs.ErrLoginFailed) {
		return errors.Wrap(model.ErrAuthFailed, msg+": "+err.Error())
	}

	return errors.Wrap(model.ErrTransport, msg+": "+err.Error())
}
