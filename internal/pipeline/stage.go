package pipeline

import "fmt"

// Stage is a pipeline state.
type Stage string

const (
	StageRetrieving Stage = "retrieving"
	StageGenerating Stage = "generating"
	StageValidating Stage = "validating"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
	StageFailed     Stage = "error"
)

// KindSearchFailure is the error kind reported when retrieval fails.
const KindSearchFailure = "search_failure"

// StageError is a failure that ended a pipeline run.
type StageError struct {
	Stage Stage
	Kind  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
