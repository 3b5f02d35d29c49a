package token

import (
	"errors"
	"fmt"
	"strings"
)

type Step string

const (
	StepTemplate    Step = "read-template"
	StepAllocate    Step = "allocate"
	StepRegister    Step = "register"
	StepFill        Step = "fill"
	StepWriteConfig Step = "write-config"
	StepQueue       Step = "queue"
)

var (
	ErrTemplateUnreadable = errors.New("template unreadable")
	ErrAllocate           = errors.New("cannot allocate job directories")
	ErrRegister           = errors.New("cannot register job")
	ErrUnfilled           = errors.New("template variables left unfilled")
	ErrWrite              = errors.New("cannot write job files")
)

// SubmissionError reports the step a submission stopped at. JobID is set
// once the registry row exists.
type SubmissionError struct {
	Step  Step
	JobID string
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("submit job: %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("submit job %s: %s: %v", e.JobID, e.Step, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

type UnfilledError struct {
	Missing []string
}

func (e *UnfilledError) Error() string {
	return ErrUnfilled.Error() + ": " + strings.Join(e.Missing, ", ")
}

func (e *UnfilledError) Is(target error) bool { return target == ErrUnfilled }
