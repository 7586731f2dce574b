package queue

import "errors"

// Outcome is the result of processing one item.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBusinessFailure
	OutcomeInfraFailure
	// OutcomeSkipped marks an item another worker already moved on.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBusinessFailure:
		return "business_failure"
	case OutcomeInfraFailure:
		return "infra_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ErrItemLost is returned from an item transaction when the conditional
// status update matched nothing.
var ErrItemLost = errors.New("queue_item_lost")

// Tally aggregates outcomes over a pass.
type Tally struct {
	Processed int
	Failed    int
	Skipped   int
}

func (t *Tally) Add(o Outcome) {
	switch o {
	case OutcomeSuccess:
		t.Processed++
	case OutcomeBusinessFailure:
		t.Failed++
	case OutcomeSkipped:
		t.Skipped++
	}
}
