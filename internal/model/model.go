package model

import "time"

// Snapshot is a read-only copy of a channel's accounting at a point in time.
type Snapshot struct {
	Time            time.Time `json:"time"`
	Name            string    `json:"name"`
	CycleCount      int       `json:"cycle_count"`
	CumulativeInUl  float64   `json:"cumulative_in_ul"`
	CumulativeOutUl float64   `json:"cumulative_out_ul"`
	SyringeUl       float64   `json:"syringe_ul"`
	Phase           string    `json:"phase"`
}

type FaultKind string

const (
	FaultTransport        FaultKind = "transport"
	FaultDevice           FaultKind = "device"
	FaultInsufficientFill FaultKind = "insufficient_fill"
	FaultOther            FaultKind = "other"
)

// Fault is a failed cycle as seen by reporters.
type Fault struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Kind    FaultKind `json:"kind"`
	Step    string    `json:"step"`
	Err     error     `json:"-"`
	Message string    `json:"message"`
}

type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeComplete  Outcome = "complete"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
)

type ExperimentStatus struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Elapsed  time.Duration `json:"elapsed"`
	Outcome  Outcome       `json:"outcome"`
	Channels int           `json:"channels"`
}
