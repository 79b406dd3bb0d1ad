package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// ErrNotFound returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CallRepository persistance interface for call records.
type CallRepository interface {
	Find(ctx context.Context, id string) (models.CallSession, error)
	FindIncoming(ctx context.Context, recipientID string, limit int) ([]models.CallSession, error)
	FindActiveByConversation(ctx context.Context, conversationID string) ([]models.CallSession, error)
	Save(ctx context.Context, call models.CallSession) error
	// Update applies update only while the record still has status from and reports
	// whether it did.
	Update(ctx context.Context, id string, from models.CallStatus, update models.CallUpdate) (bool, error)
}

// NewCallRepository creates a new SQL CallRepository.
func NewCallRepository(db *sql.DB) CallRepository {
	return &callRepo{
		db: db,
	}
}

type callRepo struct {
	db *sql.DB
}

const findCallQuery = `
	SELECT
		id,
		initiator_id,
		recipient_id,
		conversation_id,
		call_type,
		status,
		started_at,
		ended_at,
		duration_seconds,
		created_at,
		updated_at
	FROM call_session
	WHERE
		id = ?`

func (r *callRepo) Find(ctx context.Context, id string) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_repo_find")
	defer span.Finish()

	call, err := scanCall(r.db.QueryRowContext(ctx, findCallQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallSession{}, fmt.Errorf("call(id=%s) %w", id, ErrNotFound)
	}
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	return call, nil
}

const findIncomingQuery = `
	SELECT
		id,
		initiator_id,
		recipient_id,
		conversation_id,
		call_type,
		status,
		started_at,
		ended_at,
		duration_seconds,
		created_at,
		updated_at
	FROM call_session
	WHERE
		recipient_id = ?
		AND status IN (?, ?)
	ORDER BY created_at DESC
	LIMIT ?`

func (r *callRepo) FindIncoming(ctx context.Context, recipientID string, limit int) ([]models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_repo_find_incoming")
	defer span.Finish()

	calls, err := r.queryCalls(ctx, findIncomingQuery, recipientID, models.StatusInitiating, models.StatusRinging, limit)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return calls, nil
}

const findActiveByConversationQuery = `
	SELECT
		id,
		initiator_id,
		recipient_id,
		conversation_id,
		call_type,
		status,
		started_at,
		ended_at,
		duration_seconds,
		created_at,
		updated_at
	FROM call_session
	WHERE
		conversation_id = ?
		AND status IN (?, ?, ?)
	ORDER BY created_at DESC`

func (r *callRepo) FindActiveByConversation(ctx context.Context, conversationID string) ([]models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_repo_find_active_by_conversation")
	defer span.Finish()

	calls, err := r.queryCalls(ctx, findActiveByConversationQuery, conversationID, models.StatusInitiating, models.StatusRinging, models.StatusConnected)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return calls, nil
}

func (r *callRepo) queryCalls(ctx context.Context, query string, args ...interface{}) ([]models.CallSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query for calls %w", err)
	}
	defer rows.Close()

	calls := make([]models.CallSession, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call %w", err)
		}
		calls = append(calls, c)
	}

	return calls, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row scanner) (models.CallSession, error) {
	var c models.CallSession
	var endedAt sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.InitiatorID,
		&c.RecipientID,
		&c.ConversationID,
		&c.CallType,
		&c.Status,
		&c.StartedAt,
		&endedAt,
		&c.DurationSeconds,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return models.CallSession{}, err
	}

	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}

	return c, nil
}

const insertCallQuery = `
	INSERT INTO call_session(
			id,
			initiator_id,
			recipient_id,
			conversation_id,
			call_type,
			status,
			started_at,
			duration_seconds,
			created_at,
			updated_at,
			active_conversation_id
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *callRepo) Save(ctx context.Context, c models.CallSession) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_repo_save")
	defer span.Finish()

	now := getNow()
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	// At most one call per conversation may hold the unique active_conversation_id.
	var activeConversation sql.NullString
	if !c.Status.IsTerminal() {
		activeConversation = sql.NullString{String: c.ConversationID, Valid: true}
	}

	_, err := r.db.ExecContext(
		ctx,
		insertCallQuery,
		c.ID,
		c.InitiatorID,
		c.RecipientID,
		c.ConversationID,
		c.CallType,
		c.Status,
		c.StartedAt,
		c.DurationSeconds,
		createdAt,
		now,
		activeConversation,
	)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const updateCallQuery = `
	UPDATE call_session
	SET
		status = ?,
		ended_at = COALESCE(?, ended_at),
		duration_seconds = COALESCE(?, duration_seconds),
		updated_at = ?,
		active_conversation_id = CASE WHEN ? IN (?, ?, ?) THEN NULL ELSE conversation_id END
	WHERE
		id = ?
		AND status = ?`

func (r *callRepo) Update(ctx context.Context, id string, from models.CallStatus, u models.CallUpdate) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_repo_update")
	defer span.Finish()

	var endedAt sql.NullTime
	if u.EndedAt != nil {
		endedAt = sql.NullTime{Time: u.EndedAt.UTC(), Valid: true}
	}

	var duration sql.NullInt64
	if u.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*u.DurationSeconds), Valid: true}
	}

	res, err := r.db.ExecContext(
		ctx,
		updateCallQuery,
		u.Status,
		endedAt,
		duration,
		getNow(),
		u.Status,
		models.StatusDeclined,
		models.StatusMissed,
		models.StatusEnded,
		id,
		from,
	)
	if err != nil {
		err = fmt.Errorf("failed to update call(id=%s). %w", id, err)
		span.LogFields(tracelog.Error(err))
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to read affected rows. %w", err)
		span.LogFields(tracelog.Error(err))
		return false, err
	}

	return n > 0, nil
}

func getNow() time.Time {
	return time.Now().UTC()
}
