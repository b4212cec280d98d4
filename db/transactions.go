package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/replenisher/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// StartExperiment opens a journal entry for a run and returns its id.
func StartExperiment(db *sql.DB, status model.ExperimentStatus) (int64, error) {
	res, err := db.Exec(`INSERT INTO experiments (started_at, duration_s, channels, outcome) VALUES (?, ?, ?, ?)`,
		formatTime(status.Start), status.Duration.Seconds(), status.Channels, string(model.OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("insert experiment: %w", err)
	}
	return res.LastInsertId()
}

func FinishExperiment(db *sql.DB, id int64, status model.ExperimentStatus, finishedAt time.Time, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := db.Exec(`UPDATE experiments SET outcome = ?, finished_at = ?, error = ? WHERE id = ?`,
		string(status.Outcome), formatTime(finishedAt), errText, id)
	if err != nil {
		return fmt.Errorf("update experiment %d: %w", id, err)
	}
	return nil
}

func RecordCycle(db *sql.DB, experimentID int64, snap model.Snapshot) error {
	_, err := db.Exec(`INSERT INTO cycles (experiment_id, channel, cycle, at, cumulative_in_ul, cumulative_out_ul, syringe_ul) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		experimentID, snap.Name, snap.CycleCount, formatTime(snap.Time), snap.CumulativeInUl, snap.CumulativeOutUl, snap.SyringeUl)
	if err != nil {
		return fmt.Errorf("insert cycle for %s: %w", snap.Name, err)
	}
	return nil
}

func RecordFault(db *sql.DB, experimentID int64, fault model.Fault) error {
	_, err := db.Exec(`INSERT INTO faults (experiment_id, channel, at, kind, step, message) VALUES (?, ?, ?, ?, ?, ?)`,
		experimentID, fault.Channel, formatTime(fault.Time), string(fault.Kind), fault.Step, fault.Message)
	if err != nil {
		return fmt.Errorf("insert fault for %s: %w", fault.Channel, err)
	}
	return nil
}

// RecordStatus writes one heartbeat for every channel atomically.
func RecordStatus(db *sql.DB, experimentID int64, snaps []model.Snapshot) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		_, err = tx.Exec(`INSERT INTO status_reports (experiment_id, channel, at, cycle, cumulative_in_ul, cumulative_out_ul, syringe_ul) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			experimentID, s.Name, formatTime(s.Time), s.CycleCount, s.CumulativeInUl, s.CumulativeOutUl, s.SyringeUl)
		if err != nil {
			RollbackTransaction(tx)
			return fmt.Errorf("insert status for %s: %w", s.Name, err)
		}
	}
	return CommitTransaction(tx)
}
