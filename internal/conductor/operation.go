package conductor

import (
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/model"
)

// phase groups steps with the lifecycle verb applied once they all
// succeed. Teardown walks deleting into cleaning this way, one phase at
// a time, journaling the node between phases.
type phase struct {
	steps []Step
	verb  model.Verb
}

// operation lays out the steps that accomplish a request and the
// lifecycle verbs it drives.
type operation struct {
	kind model.OperationKind

	// startVerb moves the node into its transient lifecycle state under
	// the lock, before the first controller call.
	startVerb model.Verb

	// directVerb performs a stable-to-stable transition once all phases
	// succeed, for operations without a transient state.
	directVerb model.Verb

	phases []phase
}

// lifecycleVerb is the verb validated against the node's current state
// at submission.
func (o *operation) lifecycleVerb() model.Verb {
	if o.startVerb != "" {
		return o.startVerb
	}

	return o.directVerb
}

// buildOperation validates request parameters and lays out the steps
// for the operation. It fails with ErrInvalidOperation before any task
// exists.
func buildOperation(request *model.OperationRequest) (*operation, error) {
	switch request.Kind {
	case model.PowerOn:
		return powerOperation(request.Kind, model.PowerStateOn), nil

	case model.PowerOff:
		return powerOperation(request.Kind, model.PowerStateOff), nil

	case model.Reboot:
		return powerOperation(request.Kind, model.PowerStateCycle), nil

	case model.SoftPowerOff:
		return powerOperation(request.Kind, model.PowerStateSoft), nil

	case model.PowerStatus:
		return &operation{
			kind:   request.Kind,
			phases: []phase{{steps: []Step{ReadPowerStateStep()}}},
		}, nil

	case model.SetBootDevice:
		device, err := bootDeviceParams(request.Params)
		if err != nil {
			return nil, err
		}

		return &operation{
			kind:   request.Kind,
			phases: []phase{{steps: []Step{SetBootDeviceStep(device)}}},
		}, nil

	case model.VendorPassthru:
		method := request.Params.String(model.ParamMethod)
		if method == "" {
			return nil, errors.Wrap(model.ErrInvalidOperation, "vendor_passthru requires a method parameter")
		}

		return &operation{
			kind:   request.Kind,
			phases: []phase{{steps: []Step{VendorPassthruStep(method, request.Params)}}},
		}, nil

	case model.Deploy, model.Rebuild:
		verb := model.VerbDeploy
		if request.Kind == model.Rebuild {
			verb = model.VerbRebuild
		}

		installer := &model.BootDevice{
			Device:  model.BootDevicePXE,
			EFIBoot: request.Params.Bool(model.ParamEFIBoot),
		}

		return &operation{
			kind:      request.Kind,
			startVerb: verb,
			phases: []phase{{
				steps: []Step{
					SetBootDeviceStep(installer),
					ReadPowerStateStep(),
					BootToInstallerStep(),
				},
				verb: model.VerbDone,
			}},
		}, nil

	case model.Teardown:
		return &operation{
			kind:      request.Kind,
			startVerb: model.VerbDelete,
			phases: []phase{
				{
					steps: []Step{SetPowerStateStep(model.PowerStateOff)},
					verb:  model.VerbClean,
				},
				{
					steps: []Step{SetBootDeviceStep(&model.BootDevice{Device: model.BootDeviceDisk, Persistent: true})},
					verb:  model.VerbDone,
				},
			},
		}, nil

	case model.Clean:
		return &operation{
			kind:      request.Kind,
			startVerb: model.VerbClean,
			phases: []phase{{
				steps: []Step{
					SetBootDeviceStep(&model.BootDevice{Device: model.BootDeviceDisk, Persistent: true}),
					SetPowerStateStep(model.PowerStateOff),
				},
				verb: model.VerbDone,
			}},
		}, nil

	case model.Inspect:
		return &operation{
			kind:      request.Kind,
			startVerb: model.VerbInspect,
			phases: []phase{{
				steps: []Step{ReadPowerStateStep(), ReadBootDeviceStep()},
				verb:  model.VerbDone,
			}},
		}, nil

	case model.Manage:
		// managing verifies controller reachability before the node is
		// declared manageable
		return &operation{
			kind:       request.Kind,
			directVerb: model.VerbManage,
			phases:     []phase{{steps: []Step{ReadPowerStateStep()}}},
		}, nil

	case model.Provide:
		return &operation{
			kind:       request.Kind,
			directVerb: model.VerbProvide,
		}, nil

	default:
		return nil, errors.Wrap(model.ErrInvalidOperation, "unknown operation: "+string(request.Kind))
	}
}

func powerOperation(kind model.OperationKind, target string) *operation {
	return &operation{
		kind:   kind,
		phases: []phase{{steps: []Step{SetPowerStateStep(target)}}},
	}
}

func bootDeviceParams(params model.Params) (*model.BootDevice, error) {
	device := params.String(model.ParamBootDevice)

	switch device {
	case model.BootDevicePXE, model.BootDeviceDisk:
	case "":
		return nil, errors.Wrap(model.ErrInvalidOperation, "set_boot_device requires a boot_device parameter")
	default:
		return nil, errors.Wrap(model.ErrInvalidOperation, "unknown boot device: "+device)
	}

	return &model.BootDevice{
		Device:     device,
		Persistent: params.Bool(model.ParamPersistent),
		EFIBoot:    params.Bool(model.ParamEFIBoot),
	}, nil
}

// requiredCapabilities maps an operation kind to the driver
// capabilities it exercises, checked against registration metadata
// before any task exists.
func requiredCapabilities(kind model.OperationKind) []driver.Capability {
	switch kind {
	case model.PowerOn, model.PowerOff, model.Reboot, model.SoftPowerOff, model.PowerStatus, model.Manage:
		return []driver.Capability{driver.CapabilityPower}

	case model.SetBootDevice:
		return []driver.Capability{driver.CapabilityManagement}

	case model.VendorPassthru:
		return []driver.Capability{driver.CapabilityVendorPassthru}

	case model.Deploy, model.Rebuild, model.Teardown, model.Clean, model.Inspect:
		return []driver.Capability{driver.CapabilityPower, driver.CapabilityManagement}

	default:
		return nil
	}
}

// powerStateAfter is the state a controller settles in after accepting
// the target.
func powerStateAfter(target string) string {
	switch target {
	case model.PowerStateOn, model.PowerStateCycle, model.PowerStateReset:
		return model.PowerStateOn
	case model.PowerStateOff, model.PowerStateSoft:
		return model.PowerStateOff
	default:
		return ""
	}
}
