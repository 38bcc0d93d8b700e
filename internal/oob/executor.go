// Package oob executes calls against node management controllers with
// per call timeouts, retry of transient failures with backoff, and a
// check-before-act policy so retried power mutations stay idempotent.
package oob

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
)

// Call attempt result labels.
const (
	resultOK        = "ok"
	resultTransient = "transient_error"
	resultPermanent = "permanent_error"
)

// Controller call labels.
const (
	callGetPowerState  = "get_power_state"
	callSetPowerState  = "set_power_state"
	callGetBootDevice  = "get_boot_device"
	callSetBootDevice  = "set_boot_device"
	callVendorPassthru = "vendor_passthru"
)

// Policy bounds one logical controller call and its retries.
type Policy struct {
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
	// MaxAttempts is the total attempt budget, including the first.
	MaxAttempts int
	// RetryDelay is the backoff base, doubled per attempt.
	RetryDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
}

// Outcome reports how a logical call went once the executor is done
// with it.
type Outcome struct {
	Succeeded bool
	Attempts  int
	LastError error
}

// Executor runs calls against open driver sessions under a retry
// policy. Transient failures are retried with exponential backoff and
// jitter, permanent failures surface immediately.
type Executor struct {
	logger *logrus.Entry
	policy Policy
}

func NewExecutor(policy Policy, logger *logrus.Entry) *Executor {
	if policy.CallTimeout == 0 {
		policy.CallTimeout = 30 * time.Second
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	if policy.RetryDelay == 0 {
		policy.RetryDelay = 500 * time.Millisecond
	}

	if policy.RetryMaxDelay < policy.RetryDelay {
		policy.RetryMaxDelay = policy.RetryDelay
	}

	return &Executor{logger: logger, policy: policy}
}

// Do runs call under the retry policy. Each attempt gets its own
// timeout; attempts that outlive it fail with a transport timeout and
// are retried like any transient failure. A cancelled parent context
// stops the loop between attempts.
func (e *Executor) Do(ctx context.Context, operation string, call func(context.Context) error) Outcome {
	outcome := Outcome{}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		err := e.attempt(ctx, call)
		if err == nil {
			outcome.Succeeded = true
			metrics.OOBCallCounter.WithLabelValues(operation, resultOK).Inc()

			return outcome
		}

		outcome.LastError = err

		if errors.Is(err, model.ErrCancelled) || !model.IsTransient(err) {
			metrics.OOBCallCounter.WithLabelValues(operation, resultPermanent).Inc()

			return outcome
		}

		metrics.OOBCallCounter.WithLabelValues(operation, resultTransient).Inc()

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"cause":     err.Error(),
		}).Warn("retrying controller call")

		if !sleepInContext(ctx, delay) {
			outcome.LastError = errors.Wrap(model.ErrCancelled, ctx.Err().Error())

			return outcome
		}
	}

	return outcome
}

func (e *Executor) attempt(ctx context.Context, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()

	err := call(callCtx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return errors.Wrap(model.ErrCancelled, ctx.Err().Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(model.ErrTransportTimeout, err.Error())
	}

	return err
}

// backoff doubles the base delay per attempt up to the cap, then
// randomizes the top half to spread synchronized retries.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.policy.RetryDelay << (attempt - 1)
	if delay <= 0 || delay > e.policy.RetryMaxDelay {
		delay = e.policy.RetryMaxDelay
	}

	half := delay / 2

	return half + rand.N(half+1)
}

// PowerState reads the controller's current power state.
func (e *Executor) PowerState(ctx context.Context, client driver.Power) (string, Outcome) {
	var state string

	outcome := e.Do(ctx, callGetPowerState, func(callCtx context.Context) error {
		current, err := client.GetPowerState(callCtx)
		if err != nil {
			return err
		}

		state = current

		return nil
	})

	return state, outcome
}

// SetPowerState drives the controller to the target power state. Each
// attempt re-reads the current state first and skips the mutation when
// the target already holds, so a retry after a lost acknowledgement
// does not power the node twice. Cycles and resets are always issued.
func (e *Executor) SetPowerState(ctx context.Context, client driver.Power, target string) Outcome {
	if !model.ValidPowerState(target) {
		return Outcome{LastError: errors.Wrap(model.ErrInvalidState, "unknown power state "+target)}
	}

	return e.Do(ctx, callSetPowerState, func(callCtx context.Context) error {
		current, err := client.GetPowerState(callCtx)
		if err == nil && model.PowerTargetSatisfied(current, target) {
			return nil
		}

		return client.SetPowerState(callCtx, target)
	})
}

// BootDevice reads the controller's boot device override.
func (e *Executor) BootDevice(ctx context.Context, client driver.Management) (*model.BootDevice, Outcome) {
	var device *model.BootDevice

	outcome := e.Do(ctx, callGetBootDevice, func(callCtx context.Context) error {
		current, err := client.GetBootDevice(callCtx)
		if err != nil {
			return err
		}

		device = current

		return nil
	})

	return device, outcome
}

// SetBootDevice configures the boot device override, skipping the
// mutation when the controller already reports the wanted override.
func (e *Executor) SetBootDevice(ctx context.Context, client driver.Management, want *model.BootDevice) Outcome {
	return e.Do(ctx, callSetBootDevice, func(callCtx context.Context) error {
		current, err := client.GetBootDevice(callCtx)
		if err == nil && sameBootDevice(current, want) {
			return nil
		}

		return client.SetBootDevice(callCtx, want)
	})
}

// Passthru invokes a vendor method. Vendor methods are opaque, there is
// no state to check before acting.
func (e *Executor) Passthru(ctx context.Context, client driver.VendorPassthru, method string, params map[string]any) (map[string]any, Outcome) {
	var result map[string]any

	outcome := e.Do(ctx, callVendorPassthru, func(callCtx context.Context) error {
		out, err := client.VendorPassthru(callCtx, method, params)
		if err != nil {
			return err
		}

		result = out

		return nil
	})

	return result, outcome
}

func sameBootDevice(current, want *model.BootDevice) bool {
	if current == nil || want == nil {
		return false
	}

	return current.Device == want.Device &&
		current.Persistent == want.Persistent &&
		current.EFIBoot == want.EFIBoot
}

func sleepInContext(ctx context.Context, duration time.Duration) bool {
	select {
	case <-time.After(duration):
		return true
	case <-ctx.Done():
		return false
	}
}
