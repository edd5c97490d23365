package app

import "time"

// Operation tracks one CLI command from start to Close. Its ID tags every log
// line the command writes.
type Operation struct {
	ID      string
	Command string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation creates an operation for command, assumed successful until Fail.
func NewOperation(id, command string, started time.Time) *Operation {
	return &Operation{
		ID:      id,
		Command: command,
		Started: started,
		Status:  "success",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Failed returns true if the operation was marked failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
