package app

import (
	"errors"
	"fmt"
)

// Kind classifies a failed stage for the HTTP boundary.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindUpstream    Kind = "upstream"
	KindPersistence Kind = "persistence"
)

// Pipeline stages, in order.
const (
	StageAuthenticate = "authenticate"
	StageValidate     = "validate"
	StageClassify     = "classify"
	StagePersist      = "persist"
)

// StageError reports the stage a submission or listing stopped at.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not a StageError.
func KindOf(err error) Kind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	return ""
}

func stageError(stage string, kind Kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
