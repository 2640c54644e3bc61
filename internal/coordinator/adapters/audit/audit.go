// Package audit persists scheduling decisions to a write-only table: a
// debug trail of what the placement engine decided and why, never read
// back by the engine itself. This is deliberately not coordinator state —
// restoring it on restart would change nothing, which is what distinguishes
// it from the durable state this system intentionally does not keep.
//
// Adapted from this repository's internal/audit service, narrowed from a
// general-purpose event log to one row shape and one write path.
package audit

import (
	"context"

	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/database"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Row is the gorm model backing the scheduling_decisions table.
type Row struct {
	ID        uint   `gorm:"primaryKey"`
	DecidedAt int64  `gorm:"index"`
	JobID     string `gorm:"index"`
	AgentID   string
	Kind      string
	Detail    string
}

func (Row) TableName() string { return "scheduling_decisions" }

// Recorder implements ports.AuditRecorder against a gorm-backed store.
type Recorder struct {
	db  *database.DB
	log logger.Logger
}

func New(db *database.DB, log logger.Logger) (*Recorder, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := db.Migrate(&Row{}); err != nil {
		return nil, err
	}
	return &Recorder{db: db, log: log}, nil
}

// Record writes d and swallows any failure: a broken audit sink must never
// stop or slow down placement.
func (r *Recorder) Record(ctx context.Context, d ports.SchedulingDecision) {
	row := Row{
		DecidedAt: d.DecidedAt.UnixNano(),
		JobID:     d.JobID,
		AgentID:   d.AgentID,
		Kind:      d.Kind,
		Detail:    d.Detail,
	}
	if err := r.db.Create(ctx, &row); err != nil {
		r.log.Warn("writing scheduling decision to audit trail failed", "job_id", d.JobID, "error", err)
	}
}
