package restore

import (
	"errors"
	"fmt"

	"github.com/MacJediWizard/dbbootstrap/internal/db"
)

// ErrRestoreFailed is returned when dropping, creating, loading or
// reconciling the target database fails.
var ErrRestoreFailed = errors.New("database restore failed")

// State is a step of the restore and baseline reconciliation.
type State int

const (
	StatePending State = iota
	StateDropped
	StateCreated
	StateLoaded
	StateReconciled
	StateBaselined
	StateUpgraded
)

var stateNames = map[State]string{
	StatePending:    "pending",
	StateDropped:    "dropped",
	StateCreated:    "created",
	StateLoaded:     "loaded",
	StateReconciled: "reconciled",
	StateBaselined:  "baselined",
	StateUpgraded:   "upgraded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the only legal successor of each non-terminal state.
var transitions = map[State]State{
	StatePending:    StateDropped,
	StateDropped:    StateCreated,
	StateCreated:    StateLoaded,
	StateLoaded:     StateReconciled,
	StateReconciled: StateBaselined,
	StateBaselined:  StateUpgraded,
}

// Next returns the successor of s. Terminal states have none.
func (s State) Next() (State, bool) {
	next, ok := transitions[s]
	return next, ok
}

// CanTransition reports whether moving from s to to is allowed.
func (s State) CanTransition(to State) bool {
	next, ok := transitions[s]
	return ok && next == to
}

// Terminal reports whether s ends the reconciliation.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// StageError reports the state the reconciler failed to reach.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("restore step %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is maps the failed state onto its error category: data steps are restore
// failures, revision steps are migration failures.
func (e *StageError) Is(target error) bool {
	switch target {
	case ErrRestoreFailed:
		return e.State <= StateReconciled
	case db.ErrMigrationFailed:
		return e.State >= StateBaselined
	}
	return false
}

// machine enforces the transition table.
type machine struct {
	current State
}

func (m *machine) advance(to State) error {
	if !m.current.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
