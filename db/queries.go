package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/replenisher/internal/model"
)

type ExperimentRecord struct {
	ID         int64
	StartedAt  time.Time
	Duration   time.Duration
	Channels   int
	Outcome    model.Outcome
	FinishedAt time.Time
	Error      string
}

type CycleRecord struct {
	ExperimentID int64
	Snapshot     model.Snapshot
}

type FaultRecord struct {
	ExperimentID int64
	Fault        model.Fault
}

// GetExperiments returns the most recent runs first.
func GetExperiments(db *sql.DB, limit int) ([]ExperimentRecord, error) {
	rows, err := db.Query(`SELECT id, started_at, duration_s, channels, outcome, finished_at, error FROM experiments ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	var out []ExperimentRecord
	for rows.Next() {
		var (
			e                  ExperimentRecord
			started, outcome   string
			durationS          float64
			finished, errorMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &started, &durationS, &e.Channels, &outcome, &finished, &errorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		e.StartedAt = parseTime(started)
		e.Duration = time.Duration(durationS * float64(time.Second))
		e.Outcome = model.Outcome(outcome)
		e.FinishedAt = parseTime(finished.String)
		e.Error = errorMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRecentCycles returns the latest completed cycles, newest first. An empty
// channel matches every channel.
func GetRecentCycles(db *sql.DB, channel string, limit int) ([]CycleRecord, error) {
	rows, err := db.Query(`SELECT experiment_id, channel, cycle, at, cumulative_in_ul, cumulative_out_ul, syringe_ul
		FROM cycles WHERE (? = '' OR channel = ?) ORDER BY id DESC LIMIT ?`, channel, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var (
			r  CycleRecord
			at string
		)
		s := &r.Snapshot
		if err := rows.Scan(&r.ExperimentID, &s.Name, &s.CycleCount, &at, &s.CumulativeInUl, &s.CumulativeOutUl, &s.SyringeUl); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		s.Time = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecentFaults returns the latest faults, newest first.
func GetRecentFaults(db *sql.DB, channel string, limit int) ([]FaultRecord, error) {
	rows, err := db.Query(`SELECT experiment_id, channel, at, kind, step, message
		FROM faults WHERE (? = '' OR channel = ?) ORDER BY id DESC LIMIT ?`, channel, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query faults: %w", err)
	}
	defer rows.Close()

	var out []FaultRecord
	for rows.Next() {
		var (
			r        FaultRecord
			at, kind string
		)
		f := &r.Fault
		if err := rows.Scan(&r.ExperimentID, &f.Channel, &at, &kind, &f.Step, &f.Message); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		f.Time = parseTime(at)
		f.Kind = model.FaultKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
