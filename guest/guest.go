// Package guest is the program proven inside the zkVM. It re-executes a
// view call against the state snapshot it is given, checks the result
// against a threshold and, only if the check holds, commits a journal
// binding the result to the snapshot's block.
//
// A run walks AwaitInput, Reconstruct, Execute, Assert, Commit and Halt in
// that order. Any failure ends the run with no journal.
package guest

import (
	"errors"
	"fmt"

	"github.com/eth2030/zkclaim/errs"
)

// Env is what the zkVM runtime gives a guest: an ordered input stream and a
// journal sink. Commit may be called at most once per run.
type Env interface {
	// Read decodes the next input value into v.
	Read(v any) error
	// Finish fails if unread input remains.
	Finish() error
	// Commit publishes the journal.
	Commit(journal []byte)
}

// Stage is a step of a guest run.
type Stage uint8

const (
	StageAwaitInput Stage = iota
	StageReconstruct
	StageExecute
	StageAssert
	StageCommit
	StageHalt
)

func (s Stage) String() string {
	switch s {
	case StageAwaitInput:
		return "await_input"
	case StageReconstruct:
		return "reconstruct"
	case StageExecute:
		return "execute"
	case StageAssert:
		return "assert"
	case StageCommit:
		return "commit"
	case StageHalt:
		return "halt"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// StageError records the stage a run aborted in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("guest %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// ErrAssertion is the cause of an abort in the Assert stage.
var ErrAssertion = errors.New("guest: assertion failed")

func abort(stage Stage, err error) error {
	return errs.GuestAbort("guest."+stage.String(), &StageError{Stage: stage, Err: err})
}

// AbortStage returns the stage a guest error was raised in.
func AbortStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}
