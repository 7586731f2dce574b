// Package queue holds the state machine and retry policy shared by the
// charge queue and the direct-debit queue.
package queue

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending     Status = "Pending"
	StatusProcessing  Status = "Processing"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusRetryQueued Status = "RetryQueued"
)

// Source tells the two queue kinds apart.
type Source string

const (
	SourceCharge      Source = "charge"
	SourceDirectDebit Source = "direct_debit"
)

var (
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrUnknownSource     = errors.New("unknown_queue_source")
)

// Table returns the table backing the source.
func (s Source) Table() (string, error) {
	switch s {
	case SourceCharge:
		return "charge_queue", nil
	case SourceDirectDebit:
		return "direct_debit_queue", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, s)
	}
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusProcessing, StatusFailed, StatusRetryQueued},
	StatusProcessing:  {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:      {StatusPending, StatusProcessing, StatusRetryQueued, StatusCompleted},
	StatusRetryQueued: {StatusProcessing, StatusPending},
}

// Valid reports whether s is a known status for the source.
func (s Status) Valid(source Source) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	case StatusRetryQueued:
		return source == SourceDirectDebit
	default:
		return false
	}
}

// CanTransition reports whether an item of source may move from one status
// to another. Completed is terminal.
func CanTransition(source Source, from, to Status) bool {
	if !from.Valid(source) || !to.Valid(source) {
		return false
	}
	// Only consolidation closes a failed item without a debit.
	if from == StatusFailed && to == StatusCompleted && source != SourceDirectDebit {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns ErrInvalidTransition when the move is not allowed.
func Transition(source Source, from, to Status) error {
	if !to.Valid(source) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, to)
	}
	if !CanTransition(source, from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ParseStatus(source Source, raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid(source) {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, raw)
	}
	return status, nil
}
