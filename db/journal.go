package db

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/model"
)

// Journal appends everything the scheduler reports to the database. Write failures
// are logged and dropped; the audit trail never stops an experiment. Nothing is read
// back on start.
type Journal struct {
	db           *sql.DB
	experimentID int64
	now          func() time.Time
}

func NewJournal(conn *sql.DB, status model.ExperimentStatus) (*Journal, error) {
	id, err := StartExperiment(conn, status)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("experiment_id", id).Msg("Journal started")
	return &Journal{db: conn, experimentID: id, now: time.Now}, nil
}

func (j *Journal) ExperimentID() int64 {
	return j.experimentID
}

func (j *Journal) CycleCompleted(snap model.Snapshot) {
	if err := RecordCycle(j.db, j.experimentID, snap); err != nil {
		log.Warn().Err(err).Msg("Failed to journal cycle")
	}
}

func (j *Journal) CycleFailed(fault model.Fault) {
	if err := RecordFault(j.db, j.experimentID, fault); err != nil {
		log.Warn().Err(err).Msg("Failed to journal fault")
	}
}

func (j *Journal) Status(snaps []model.Snapshot) {
	if err := RecordStatus(j.db, j.experimentID, snaps); err != nil {
		log.Warn().Err(err).Msg("Failed to journal status")
	}
}

func (j *Journal) Finished(status model.ExperimentStatus, err error) {
	if ferr := FinishExperiment(j.db, j.experimentID, status, j.now(), err); ferr != nil {
		log.Warn().Err(ferr).Msg("Failed to journal experiment outcome")
	}
}
