package driver

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/model"
)

type fakeDriver struct{}

func (d *fakeDriver) Open(_ context.Context, _ *model.Node) (Client, error) {
	return nil, errors.New("not implemented")
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logrus.NewEntry(logger)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(testLogger())

	reg := Registration{
		Name:         "fake",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			return &fakeDriver{}, nil
		},
	}

	require.NoError(t, r.Register(reg))

	err := r.Register(reg)
	assert.ErrorIs(t, err, ErrDuplicateDriver)

	err = r.Register(Registration{Name: "no-factory"})
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestRegistryResolveLazily(t *testing.T) {
	r := NewRegistry(testLogger())

	var factoryCalls atomic.Int32

	require.NoError(t, r.Register(Registration{
		Name:         "fake",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			factoryCalls.Add(1)
			return &fakeDriver{}, nil
		},
	}))

	assert.Equal(t, int32(0), factoryCalls.Load())

	first, err := r.Resolve("fake")
	require.NoError(t, err)

	second, err := r.Resolve("fake")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), factoryCalls.Load())
}

func TestRegistryCachesFactoryFailure(t *testing.T) {
	r := NewRegistry(testLogger())

	var factoryCalls atomic.Int32

	require.NoError(t, r.Register(Registration{
		Name:         "proliant",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			factoryCalls.Add(1)
			return nil, errors.New("proliantutils library not installed")
		},
	}))

	_, first := r.Resolve("proliant")
	require.Error(t, first)
	assert.ErrorIs(t, first, model.ErrDriverUnavailable)
	assert.Contains(t, first.Error(), "proliantutils library not installed")

	_, second := r.Resolve("proliant")
	require.Error(t, second)

	// The cached failure is returned verbatim without rerunning the factory.
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), factoryCalls.Load())
}

func TestRegistryResolveSingleFlight(t *testing.T) {
	r := NewRegistry(testLogger())

	var factoryCalls atomic.Int32

	require.NoError(t, r.Register(Registration{
		Name:         "slow",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			factoryCalls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return &fakeDriver{}, nil
		},
	}))

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := r.Resolve("slow")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), factoryCalls.Load())
}

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry(testLogger())

	require.NoError(t, r.Register(Registration{
		Name:         "fake-ipmi",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			return &fakeDriver{}, nil
		},
	}))

	assert.NoError(t, r.Supports("fake-ipmi", CapabilityPower))

	err := r.Supports("fake-ipmi", CapabilityVendorPassthru)
	assert.ErrorIs(t, err, model.ErrCapabilityNotSupported)

	err = r.Supports("missing", CapabilityPower)
	assert.ErrorIs(t, err, model.ErrDriverUnavailable)
}

func TestRegistryDescriptors(t *testing.T) {
	r := NewRegistry(testLogger())

	require.NoError(t, r.Register(Registration{
		Name:         "broken",
		Capabilities: []Capability{CapabilityPower},
		New: func(_ *logrus.Entry) (Driver, error) {
			return nil, errors.New("optional dependency missing")
		},
	}))
	require.NoError(t, r.Register(Registration{
		Name:         "fake",
		Capabilities: []Capability{CapabilityPower, CapabilityManagement},
		New: func(_ *logrus.Entry) (Driver, error) {
			return &fakeDriver{}, nil
		},
	}))

	_, err := r.Resolve("broken")
	require.Error(t, err)

	descriptors := r.Descriptors()
	require.Len(t, descriptors, 2)

	assert.Equal(t, "broken", descriptors[0].Name)
	assert.False(t, descriptors[0].Available)
	assert.Contains(t, descriptors[0].Reason, "optional dependency missing")

	assert.Equal(t, "fake", descriptors[1].Name)
	assert.True(t, descriptors[1].Available)
	assert.Empty(t, descriptors[1].Reason)
}
