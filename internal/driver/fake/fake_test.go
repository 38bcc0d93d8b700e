package fake

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
)

func openTestClient(t *testing.T) driver.Client {
	t.Helper()

	node := &model.Node{ID: uuid.New()}

	client, err := New().Open(context.Background(), node)
	require.NoError(t, err)

	return client
}

func TestFakePowerRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := openTestClient(t)

	power, ok := client.(driver.Power)
	require.True(t, ok)

	state, err := power.GetPowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOn, state)

	require.NoError(t, power.SetPowerState(ctx, model.PowerStateOff))

	state, err = power.GetPowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOff, state)
}

func TestFakeBootDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := openTestClient(t)

	mgmt, ok := client.(driver.Management)
	require.True(t, ok)

	require.NoError(t, mgmt.SetBootDevice(ctx, &model.BootDevice{Device: model.BootDevicePXE, Persistent: true}))

	device, err := mgmt.GetBootDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BootDevicePXE, device.Device)
	assert.True(t, device.Persistent)
}

func TestFakeBootDeviceLandsWhilePoweredOff(t *testing.T) {
	ctx := context.Background()
	client := openTestClient(t)

	mgmt, ok := client.(driver.Management)
	require.True(t, ok)

	power, ok := client.(driver.Power)
	require.True(t, ok)

	require.NoError(t, power.SetPowerState(ctx, model.PowerStateOff))
	require.NoError(t, mgmt.SetBootDevice(ctx, &model.BootDevice{Device: model.BootDevicePXE}))

	device, err := mgmt.GetBootDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BootDevicePXE, device.Device)
}

func TestFakeVendorPassthru(t *testing.T) {
	ctx := context.Background()
	client := openTestClient(t)

	vendor, ok := client.(driver.VendorPassthru)
	require.True(t, ok)

	readings, err := vendor.VendorPassthru(ctx, "read_sensors", nil)
	require.NoError(t, err)
	assert.Contains(t, readings, "inlet_temp_celsius")

	_, err = vendor.VendorPassthru(ctx, "write_firmware", nil)
	assert.ErrorIs(t, err, model.ErrUnsupportedMethod)
}
