package models

import (
	"database/sql"
	"encoding/json"
	"time"

	contextutils "lingocore/internal/utils"
)

// ReportKind selects the span of activity a report covers
type ReportKind string

const (
	// ReportFull covers the learner's recent attempts regardless of age
	ReportFull ReportKind = "full"
	// ReportWeekly covers the last seven days
	ReportWeekly ReportKind = "weekly"
)

// ParseReportKind validates a raw report kind
func ParseReportKind(s string) (ReportKind, error) {
	switch ReportKind(s) {
	case ReportFull, ReportWeekly:
		return ReportKind(s), nil
	}
	return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown report kind %q", s)
}

// ReportStatus is the lifecycle state of a progress report
type ReportStatus string

const (
	// ReportPending is created and waiting for a generate worker
	ReportPending ReportStatus = "PENDING"
	// ReportGenerating is claimed by a generate worker
	ReportGenerating ReportStatus = "GENERATING"
	// ReportGenerated has content and waits for delivery
	ReportGenerated ReportStatus = "GENERATED"
	// ReportSent was handed to the delivery service
	ReportSent ReportStatus = "SENT"
	// ReportFailed could not be generated
	ReportFailed ReportStatus = "FAILED"
)

var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportPending:    {ReportGenerating, ReportFailed},
	ReportGenerating: {ReportGenerated, ReportFailed, ReportPending},
	ReportGenerated:  {ReportSent},
}

// CanMoveTo reports whether a report may go from s to next. SENT and FAILED are terminal.
func (s ReportStatus) CanMoveTo(next ReportStatus) bool {
	for _, allowed := range reportTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Report is a progress report requested for one learner and bot
type Report struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"user_id"`
	BotID       string         `json:"bot_id"`
	Kind        ReportKind     `json:"kind"`
	Status      ReportStatus   `json:"status"`
	Content     sql.NullString `json:"content"`
	Error       sql.NullString `json:"error"`
	CreatedAt   time.Time      `json:"created_at"`
	GeneratedAt sql.NullTime   `json:"generated_at"`
	SentAt      sql.NullTime   `json:"sent_at"`
	// ClaimedAt is when the current generate worker took the report
	ClaimedAt sql.NullTime `json:"claimed_at"`
}

// MarshalJSON customizes JSON marshaling for Report to handle sql.NullString and sql.NullTime properly
func (r Report) MarshalJSON() (result0 []byte, err error) {
	return json.Marshal(&struct {
		ID          string       `json:"id"`
		UserID      int64        `json:"user_id"`
		BotID       string       `json:"bot_id"`
		Kind        ReportKind   `json:"kind"`
		Status      ReportStatus `json:"status"`
		Content     *string      `json:"content"`
		Error       *string      `json:"error"`
		CreatedAt   time.Time    `json:"created_at"`
		GeneratedAt *time.Time   `json:"generated_at"`
		SentAt      *time.Time   `json:"sent_at"`
		ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	}{
		ID:          r.ID,
		UserID:      r.UserID,
		BotID:       r.BotID,
		Kind:        r.Kind,
		Status:      r.Status,
		Content:     nullStringToPointer(r.Content),
		Error:       nullStringToPointer(r.Error),
		CreatedAt:   r.CreatedAt,
		GeneratedAt: nullTimeToPointer(r.GeneratedAt),
		SentAt:      nullTimeToPointer(r.SentAt),
		ClaimedAt:   nullTimeToPointer(r.ClaimedAt),
	})
}

func nullStringToPointer(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
