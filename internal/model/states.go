package model

// Power states a node controller reports or accepts. These follow the
// state strings spoken by BMC transports.
const (
	PowerStateOn    = "on"
	PowerStateOff   = "off"
	PowerStateCycle = "cycle"
	PowerStateReset = "reset"
	PowerStateSoft  = "soft"
)

// ValidPowerState reports whether state is a power state a node
// controller can be asked to enter.
func ValidPowerState(state string) bool {
	switch state {
	case PowerStateOn, PowerStateOff, PowerStateCycle, PowerStateReset, PowerStateSoft:
		return true
	default:
		return false
	}
}

// PowerTargetSatisfied reports whether the controller already reports the
// requested target, meaning a mutating call can be skipped. Power cycles
// and resets are never satisfied by an observed state.
func PowerTargetSatisfied(current, target string) bool {
	switch target {
	case PowerStateOn:
		return current == PowerStateOn
	case PowerStateOff, PowerStateSoft:
		return current == PowerStateOff
	default:
		return false
	}
}

// ProvisionState is a node lifecycle state.
type ProvisionState string

const (
	StateEnrolled      ProvisionState = "enrolled"
	StateManageable    ProvisionState = "manageable"
	StateAvailable     ProvisionState = "available"
	StateActive        ProvisionState = "active"
	StateError         ProvisionState = "error"
	StateDeploying     ProvisionState = "deploying"
	StateDeployFailed  ProvisionState = "deploy failed"
	StateDeleting      ProvisionState = "deleting"
	StateCleaning      ProvisionState = "cleaning"
	StateCleanFailed   ProvisionState = "clean failed"
	StateInspecting    ProvisionState = "inspecting"
	StateInspectFailed ProvisionState = "inspect failed"
)

// Verb is a lifecycle event applied to a node's provisioning state.
type Verb string

const (
	VerbManage  Verb = "manage"
	VerbProvide Verb = "provide"
	VerbDeploy  Verb = "deploy"
	VerbRebuild Verb = "rebuild"
	VerbDelete  Verb = "delete"
	VerbClean   Verb = "clean"
	VerbInspect Verb = "inspect"
	VerbDone    Verb = "done"
	VerbFail    Verb = "fail"
	VerbError   Verb = "error"
)

// OperationKind is the kind of out-of-band operation requested on a node.
type OperationKind string

const (
	PowerOn        OperationKind = "power_on"
	PowerOff       OperationKind = "power_off"
	Reboot         OperationKind = "reboot"
	SoftPowerOff   OperationKind = "soft_power_off"
	PowerStatus    OperationKind = "power_status"
	SetBootDevice  OperationKind = "set_boot_device"
	VendorPassthru OperationKind = "vendor_passthru"
	Deploy         OperationKind = "deploy"
	Rebuild        OperationKind = "rebuild"
	Teardown       OperationKind = "teardown"
	Clean          OperationKind = "clean"
	Inspect        OperationKind = "inspect"
	Manage         OperationKind = "manage"
	Provide        OperationKind = "provide"
)

// KnownOperation reports whether kind names an operation the conductor
// can dispatch.
func KnownOperation(kind OperationKind) bool {
	switch kind {
	case PowerOn, PowerOff, Reboot, SoftPowerOff, PowerStatus,
		SetBootDevice, VendorPassthru,
		Deploy, Rebuild, Teardown, Clean, Inspect, Manage, Provide:
		return true
	default:
		return false
	}
}

// TaskState is the coordinator state of an in-flight operation task.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskLockAcquired TaskState = "lock_acquired"
	TaskDispatched   TaskState = "dispatched"
	TaskSucceeded    TaskState = "succeeded"
	TaskFailed       TaskState = "failed"
	TaskClosed       TaskState = "closed"
)

// TaskOutcome is the terminal result of a closed task.
type TaskOutcome string

const (
	OutcomeSucceeded TaskOutcome = "succeeded"
	OutcomeFailed    TaskOutcome = "failed"
)
