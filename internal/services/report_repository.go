package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ReportRepository stores progress reports. Status writes are single-row compare-and-swaps.
type ReportRepository interface {
	Create(ctx context.Context, report *models.Report) error
	Get(ctx context.Context, id string) (*models.Report, error)
	Transition(ctx context.Context, id string, from, to models.ReportStatus) error
	CompleteGeneration(ctx context.Context, id, content string) error
	Fail(ctx context.Context, id string, from models.ReportStatus, reason string) error
	Requeue(ctx context.Context, id string, staleBefore time.Time) error
	ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]models.Report, error)
}

// ReportRepositoryImpl implements ReportRepository on postgres
type ReportRepositoryImpl struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ ReportRepository = (*ReportRepositoryImpl)(nil)

// NewReportRepository creates a new report repository
func NewReportRepository(db *sql.DB, logger *observability.Logger) *ReportRepositoryImpl {
	return &ReportRepositoryImpl{db: db, logger: logger}
}

// Create inserts a PENDING report and assigns its id
func (r *ReportRepositoryImpl) Create(ctx context.Context, report *models.Report) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "create_report",
		observability.AttributeUserID(report.UserID),
		attribute.String("report.kind", string(report.Kind)),
	)
	defer observability.FinishSpan(span, &err)

	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.Status = models.ReportPending

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO reports (id, user_id, bot_id, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`, report.ID, report.UserID, report.BotID, report.Kind, report.Status).Scan(&report.CreatedAt)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to insert report: %v", err)
	}

	span.SetAttributes(observability.AttributeReportID(report.ID))
	return nil
}

// Get loads a report by id
func (r *ReportRepositoryImpl) Get(ctx context.Context, id string) (result0 *models.Report, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_report", observability.AttributeReportID(id))
	defer observability.FinishSpan(span, &err)

	var rep models.Report
	err = r.db.QueryRowContext(ctx, `
		SELECT id, user_id, bot_id, kind, status, content, error, created_at, generated_at, sent_at, claimed_at
		FROM reports WHERE id = $1
	`, id).Scan(&rep.ID, &rep.UserID, &rep.BotID, &rep.Kind, &rep.Status, &rep.Content, &rep.Error,
		&rep.CreatedAt, &rep.GeneratedAt, &rep.SentAt, &rep.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "report %s not found", id)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load report %s: %v", id, err)
	}
	return &rep, nil
}

// Transition moves a report from one status to the next, stamping claimed_at on GENERATING
// and sent_at on SENT
func (r *ReportRepositoryImpl) Transition(ctx context.Context, id string, from, to models.ReportStatus) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "transition_report",
		observability.AttributeReportID(id),
		observability.AttributeStatus(to),
	)
	defer observability.FinishSpan(span, &err)

	if !from.CanMoveTo(to) {
		return contextutils.WrapErrorf(contextutils.ErrInvalidTransition, "report cannot go from %s to %s", from, to)
	}

	var sentAt, claimedAt sql.NullTime
	switch to {
	case models.ReportSent:
		sentAt = sql.NullTime{Time: time.Now(), Valid: true}
	case models.ReportGenerating:
		claimedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE reports SET status = $3, sent_at = COALESCE($4, sent_at), claimed_at = COALESCE($5, claimed_at)
		WHERE id = $1 AND status = $2
	`, id, from, to, sentAt, claimedAt)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to move report %s to %s: %v", id, to, err)
	}
	return casResult(res, id, from)
}

// CompleteGeneration stores the content and moves GENERATING to GENERATED
func (r *ReportRepositoryImpl) CompleteGeneration(ctx context.Context, id, content string) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "complete_report_generation",
		observability.AttributeReportID(id),
		attribute.Int("report.content_length", len(content)),
	)
	defer observability.FinishSpan(span, &err)

	res, err := r.db.ExecContext(ctx, `
		UPDATE reports SET status = $3, content = $4, generated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, models.ReportGenerating, models.ReportGenerated, content)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to store report %s: %v", id, err)
	}
	return casResult(res, id, models.ReportGenerating)
}

// Fail marks a report FAILED with a reason
func (r *ReportRepositoryImpl) Fail(ctx context.Context, id string, from models.ReportStatus, reason string) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "fail_report", observability.AttributeReportID(id))
	defer observability.FinishSpan(span, &err)

	if !from.CanMoveTo(models.ReportFailed) {
		return contextutils.WrapErrorf(contextutils.ErrInvalidTransition, "report cannot go from %s to %s", from, models.ReportFailed)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE reports SET status = $3, error = $4
		WHERE id = $1 AND status = $2
	`, id, from, models.ReportFailed, reason)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to mark report %s failed: %v", id, err)
	}
	return casResult(res, id, from)
}

// Requeue hands a GENERATING report back to PENDING when its claim is older than staleBefore
func (r *ReportRepositoryImpl) Requeue(ctx context.Context, id string, staleBefore time.Time) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "requeue_report", observability.AttributeReportID(id))
	defer observability.FinishSpan(span, &err)

	res, err := r.db.ExecContext(ctx, `
		UPDATE reports SET status = $3, claimed_at = NULL
		WHERE id = $1 AND status = $2 AND (claimed_at IS NULL OR claimed_at < $4)
	`, id, models.ReportGenerating, models.ReportPending, staleBefore)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to requeue report %s: %v", id, err)
	}
	return casResult(res, id, models.ReportGenerating)
}

// ListStalled returns reports whose generate claim went stale or that were generated but
// never handed to delivery, oldest first
func (r *ReportRepositoryImpl) ListStalled(ctx context.Context, staleBefore time.Time, limit int) (result0 []models.Report, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_stalled_reports", attribute.Int("limit", limit))
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, bot_id, kind, status, created_at, generated_at, claimed_at
		FROM reports
		WHERE (status = $1 AND (claimed_at IS NULL OR claimed_at < $3))
		   OR (status = $2 AND generated_at < $3)
		ORDER BY created_at
		LIMIT $4
	`, models.ReportGenerating, models.ReportGenerated, staleBefore, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list stalled reports: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []models.Report
	for rows.Next() {
		var rep models.Report
		if err := rows.Scan(&rep.ID, &rep.UserID, &rep.BotID, &rep.Kind, &rep.Status,
			&rep.CreatedAt, &rep.GeneratedAt, &rep.ClaimedAt); err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan report: %v", err)
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to read reports: %v", err)
	}
	span.SetAttributes(attribute.Int("report.stalled", len(reports)))
	return reports, nil
}

func casResult(res sql.Result, id string, from models.ReportStatus) error {
	ok, err := claimed(res)
	if err != nil {
		return err
	}
	if !ok {
		return contextutils.WrapErrorf(contextutils.ErrConflict, "report %s is no longer %s", id, from)
	}
	return nil
}
