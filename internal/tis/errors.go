package tis

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationRejected is returned when TIS answers a selection change with a failure code.
	ErrOperationRejected = errors.New("operation rejected by TIS")
	// ErrUnknownCourseType is returned for a course type outside GR/GE/TP/NTP.
	ErrUnknownCourseType = errors.New("unknown course type")
)

// RejectedError carries the message TIS attached to a rejected operation.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Op, ErrOperationRejected)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrOperationRejected, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrOperationRejected
}
