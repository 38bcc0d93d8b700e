// Package provision holds the node lifecycle state machine.
//
// Stable states are where a node rests between operations. Transient
// states belong to an in-flight lifecycle task and carry the stable
// state the node is on its way to. State only ever changes through the
// task coordinator, never from raw driver output.
package provision

import (
	"fmt"

	"github.com/metal-toolbox/conductor/internal/model"
)

// InvalidTransitionError reports a verb that does not apply to the
// node's current state.
type InvalidTransitionError struct {
	From model.ProvisionState
	Verb model.Verb
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition for event %q from state %q", e.Verb, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return model.ErrInvalidTransition
}

// Machine is the provisioning state machine shared by all nodes. It is
// immutable after construction and safe for concurrent use.
type Machine struct {
	stable      map[model.ProvisionState]bool
	target      map[model.ProvisionState]model.ProvisionState
	transitions map[model.ProvisionState]map[model.Verb]model.ProvisionState
}

// NewMachine builds the node lifecycle table.
func NewMachine() *Machine {
	m := &Machine{
		stable:      map[model.ProvisionState]bool{},
		target:      map[model.ProvisionState]model.ProvisionState{},
		transitions: map[model.ProvisionState]map[model.Verb]model.ProvisionState{},
	}

	m.addStable(model.StateEnrolled)
	m.addStable(model.StateManageable)
	m.addStable(model.StateAvailable)
	m.addStable(model.StateActive)
	m.addStable(model.StateError)

	m.addTransient(model.StateDeploying, model.StateActive)
	m.addTransient(model.StateDeployFailed, model.StateActive)
	m.addTransient(model.StateDeleting, model.StateAvailable)
	m.addTransient(model.StateCleaning, model.StateAvailable)
	m.addTransient(model.StateCleanFailed, model.StateAvailable)
	m.addTransient(model.StateInspecting, model.StateManageable)
	m.addTransient(model.StateInspectFailed, model.StateManageable)

	// An enrolled node is taken over by an operator before it can serve.
	m.addTransition(model.StateEnrolled, model.StateManageable, model.VerbManage)

	// A managed node is made available to the pool, or taken back out.
	m.addTransition(model.StateManageable, model.StateAvailable, model.VerbProvide)
	m.addTransition(model.StateAvailable, model.StateManageable, model.VerbManage)

	// Hardware inspection runs from the manageable state.
	m.addTransition(model.StateManageable, model.StateInspecting, model.VerbInspect)
	m.addTransition(model.StateInspecting, model.StateManageable, model.VerbDone)
	m.addTransition(model.StateInspecting, model.StateInspectFailed, model.VerbFail)
	m.addTransition(model.StateInspectFailed, model.StateInspecting, model.VerbInspect)
	m.addTransition(model.StateInspectFailed, model.StateManageable, model.VerbManage)

	// Deployment, including retries after a failed deploy.
	m.addTransition(model.StateAvailable, model.StateDeploying, model.VerbDeploy)
	m.addTransition(model.StateDeploying, model.StateActive, model.VerbDone)
	m.addTransition(model.StateDeploying, model.StateDeployFailed, model.VerbFail)
	m.addTransition(model.StateDeployFailed, model.StateDeploying, model.VerbDeploy)
	m.addTransition(model.StateDeployFailed, model.StateDeploying, model.VerbRebuild)
	m.addTransition(model.StateActive, model.StateDeploying, model.VerbRebuild)

	// Teardown flows through cleaning before the node rejoins the pool.
	m.addTransition(model.StateActive, model.StateDeleting, model.VerbDelete)
	m.addTransition(model.StateDeployFailed, model.StateDeleting, model.VerbDelete)
	m.addTransition(model.StateDeleting, model.StateCleaning, model.VerbClean)
	m.addTransition(model.StateDeleting, model.StateError, model.VerbError)
	m.addTransition(model.StateCleaning, model.StateAvailable, model.VerbDone)
	m.addTransition(model.StateCleaning, model.StateCleanFailed, model.VerbFail)
	m.addTransition(model.StateCleanFailed, model.StateCleaning, model.VerbClean)
	m.addTransition(model.StateCleanFailed, model.StateManageable, model.VerbManage)

	// A node in error can be rebuilt or torn down.
	m.addTransition(model.StateError, model.StateDeploying, model.VerbRebuild)
	m.addTransition(model.StateError, model.StateDeleting, model.VerbDelete)

	return m
}

func (m *Machine) addStable(state model.ProvisionState) {
	m.stable[state] = true
}

func (m *Machine) addTransient(state, target model.ProvisionState) {
	m.stable[state] = false
	m.target[state] = target
}

func (m *Machine) addTransition(from, to model.ProvisionState, verb model.Verb) {
	if m.transitions[from] == nil {
		m.transitions[from] = map[model.Verb]model.ProvisionState{}
	}

	m.transitions[from][verb] = to
}

// Next returns the state reached by applying verb to current.
func (m *Machine) Next(current model.ProvisionState, verb model.Verb) (model.ProvisionState, error) {
	next, ok := m.transitions[current][verb]
	if !ok {
		return "", &InvalidTransitionError{From: current, Verb: verb}
	}

	return next, nil
}

// IsStable reports whether state is a rest state rather than part of an
// in-flight lifecycle task.
func (m *Machine) IsStable(state model.ProvisionState) bool {
	return m.stable[state]
}

// Target returns the stable state a transient state leads to, or the
// empty state for stable or unknown states.
func (m *Machine) Target(state model.ProvisionState) model.ProvisionState {
	return m.target[state]
}
