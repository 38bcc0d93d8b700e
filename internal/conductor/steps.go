package conductor

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
	"github.com/metal-toolbox/conductor/internal/oob"
)

// sharedData carries state between the steps of one operation.
type sharedData map[string]interface{}

const (
	currentPowerStateKey   = "currentPowerState"
	resultingPowerStateKey = "resultingPowerState"
	observedBootDeviceKey  = "observedBootDevice"
)

// session is an open driver session paired with the call executor. It
// accumulates call attempts across the steps of one operation.
type session struct {
	executor *oob.Executor
	client   driver.Client
	attempts int
}

func (s *session) power() (driver.Power, error) {
	power, ok := s.client.(driver.Power)
	if !ok {
		return nil, errors.Wrap(model.ErrCapabilityNotSupported, "session does not provide power control")
	}

	return power, nil
}

func (s *session) management() (driver.Management, error) {
	management, ok := s.client.(driver.Management)
	if !ok {
		return nil, errors.Wrap(model.ErrCapabilityNotSupported, "session does not provide boot management")
	}

	return management, nil
}

func (s *session) vendorPassthru() (driver.VendorPassthru, error) {
	passthru, ok := s.client.(driver.VendorPassthru)
	if !ok {
		return nil, errors.Wrap(model.ErrCapabilityNotSupported, "session does not provide vendor passthru")
	}

	return passthru, nil
}

// record folds a call outcome into the session's attempt count and
// surfaces its error.
func (s *session) record(outcome oob.Outcome) error {
	s.attempts += outcome.Attempts

	if !outcome.Succeeded {
		return outcome.LastError
	}

	return nil
}

// Step is a unit of work. Multiple steps accomplish an operation.
type Step interface {
	// Name of this step
	Name() string
	// Run will execute the controller calls to accomplish this step
	Run(ctx context.Context, sess *session, data sharedData) (string, error)
}

type readPowerStateStep struct {
	name string
}

// ReadPowerStateStep will read the node's current power state and store
// it in sharedData.
func ReadPowerStateStep() Step {
	return &readPowerStateStep{
		name: "ReadPowerState",
	}
}

func (t *readPowerStateStep) Name() string {
	return t.name
}

func (t *readPowerStateStep) Run(ctx context.Context, sess *session, data sharedData) (string, error) {
	power, err := sess.power()
	if err != nil {
		return "Power capability missing", err
	}

	state, outcome := sess.executor.PowerState(ctx, power)
	if err := sess.record(outcome); err != nil {
		return "Failed to read power state", err
	}

	data[currentPowerStateKey] = state

	return "Current power state: " + state, nil
}

type setPowerStateStep struct {
	name   string
	target string
}

// SetPowerStateStep drives the node to the target power state.
func SetPowerStateStep(target string) Step {
	return &setPowerStateStep{
		name:   "SetPowerState",
		target: target,
	}
}

func (t *setPowerStateStep) Name() string {
	return t.name
}

func (t *setPowerStateStep) Run(ctx context.Context, sess *session, data sharedData) (string, error) {
	power, err := sess.power()
	if err != nil {
		return "Power capability missing", err
	}

	if err := sess.record(sess.executor.SetPowerState(ctx, power, t.target)); err != nil {
		return "Failed to set power state", err
	}

	data[resultingPowerStateKey] = powerStateAfter(t.target)

	return "Power state set: " + t.target, nil
}

type bootToInstallerStep struct {
	name string
}

// BootToInstallerStep power cycles a running node, or powers on a
// stopped one, so it picks up the one-time PXE override set earlier.
func BootToInstallerStep() Step {
	return &bootToInstallerStep{
		name: "BootToInstaller",
	}
}

func (t *bootToInstallerStep) Name() string {
	return t.name
}

func (t *bootToInstallerStep) Run(ctx context.Context, sess *session, data sharedData) (string, error) {
	power, err := sess.power()
	if err != nil {
		return "Power capability missing", err
	}

	state, ok := data[currentPowerStateKey].(string)
	if !ok {
		return "Boot requirement unknown", errors.New("missing power state")
	}

	target := model.PowerStateOn
	if state == model.PowerStateOn {
		target = model.PowerStateCycle
	}

	slog.Info("Booting node to installer", "powerState", state, "target", target)

	if err := sess.record(sess.executor.SetPowerState(ctx, power, target)); err != nil {
		return "Failed to boot node", err
	}

	data[resultingPowerStateKey] = model.PowerStateOn

	return "Booting to installer via " + target, nil
}

type setBootDeviceStep struct {
	name   string
	device *model.BootDevice
}

// SetBootDeviceStep configures the node's boot device override.
func SetBootDeviceStep(device *model.BootDevice) Step {
	return &setBootDeviceStep{
		name:   "SetBootDevice",
		device: device,
	}
}

func (t *setBootDeviceStep) Name() string {
	return t.name
}

func (t *setBootDeviceStep) Run(ctx context.Context, sess *session, _ sharedData) (string, error) {
	management, err := sess.management()
	if err != nil {
		return "Management capability missing", err
	}

	if err := sess.record(sess.executor.SetBootDevice(ctx, management, t.device)); err != nil {
		return "Failed to set boot device", err
	}

	return "Boot device set: " + t.device.Device, nil
}

type readBootDeviceStep struct {
	name string
}

// ReadBootDeviceStep reads the boot device override and stores it in
// sharedData.
func ReadBootDeviceStep() Step {
	return &readBootDeviceStep{
		name: "ReadBootDevice",
	}
}

func (t *readBootDeviceStep) Name() string {
	return t.name
}

func (t *readBootDeviceStep) Run(ctx context.Context, sess *session, data sharedData) (string, error) {
	management, err := sess.management()
	if err != nil {
		return "Management capability missing", err
	}

	device, outcome := sess.executor.BootDevice(ctx, management)
	if err := sess.record(outcome); err != nil {
		return "Failed to read boot device", err
	}

	data[observedBootDeviceKey] = device

	if device == nil {
		return "No boot device override set", nil
	}

	return "Boot device override: " + device.Device, nil
}

type vendorPassthruStep struct {
	name   string
	method string
	params model.Params
}

// VendorPassthruStep invokes a vendor specific method on the node's
// controller.
func VendorPassthruStep(method string, params model.Params) Step {
	return &vendorPassthruStep{
		name:   "VendorPassthru",
		method: method,
		params: params,
	}
}

func (t *vendorPassthruStep) Name() string {
	return t.name
}

func (t *vendorPassthruStep) Run(ctx context.Context, sess *session, _ sharedData) (string, error) {
	passthru, err := sess.vendorPassthru()
	if err != nil {
		return "Vendor passthru capability missing", err
	}

	result, outcome := sess.executor.Passthru(ctx, passthru, t.method, t.params)
	if err := sess.record(outcome); err != nil {
		return "Failed to run vendor method " + t.method, err
	}

	slog.Info("Vendor method returned", "method", t.method, "result", result)

	return "Vendor method complete: " + t.method, nil
}
