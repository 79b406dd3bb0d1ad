package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// SignalRepository append-only log of signaling messages.
type SignalRepository interface {
	Save(ctx context.Context, msg models.SignalMessage) error
	FindByCall(ctx context.Context, callID string) ([]models.SignalMessage, error)
	DeleteByCall(ctx context.Context, callID string) error
}

// NewSignalRepository creates a new SQL SignalRepository.
func NewSignalRepository(db *sql.DB) SignalRepository {
	return &signalRepo{
		db: db,
	}
}

type signalRepo struct {
	db *sql.DB
}

const insertSignalQuery = `
	INSERT INTO call_signal(
			id,
			call_id,
			from_user_id,
			to_user_id,
			type,
			payload,
			created_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?)`

func (r *signalRepo) Save(ctx context.Context, m models.SignalMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "signal_repo_save")
	defer span.Finish()

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = getNow()
	}

	_, err := r.db.ExecContext(ctx, insertSignalQuery, m.ID, m.CallID, m.FromUserID, m.ToUserID, m.Type, string(m.Payload), createdAt)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const findSignalsByCallQuery = `
	SELECT
		id,
		call_id,
		from_user_id,
		to_user_id,
		type,
		payload,
		created_at
	FROM call_signal
	WHERE
		call_id = ?
	ORDER BY created_at ASC`

func (r *signalRepo) FindByCall(ctx context.Context, callID string) ([]models.SignalMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "signal_repo_find_by_call")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, findSignalsByCallQuery, callID)
	if err != nil {
		err = fmt.Errorf("failed to query for signals %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	signals := make([]models.SignalMessage, 0)
	for rows.Next() {
		var m models.SignalMessage
		var payload string
		err := rows.Scan(&m.ID, &m.CallID, &m.FromUserID, &m.ToUserID, &m.Type, &payload, &m.CreatedAt)
		if err != nil {
			err = fmt.Errorf("failed to scan signal %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		m.Payload = []byte(payload)
		signals = append(signals, m)
	}

	return signals, rows.Err()
}

const deleteSignalsByCallQuery = `
	DELETE FROM call_signal
	WHERE
		call_id = ?`

func (r *signalRepo) DeleteByCall(ctx context.Context, callID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "signal_repo_delete_by_call")
	defer span.Finish()

	_, err := r.db.ExecContext(ctx, deleteSignalsByCallQuery, callID)
	if err != nil {
		err = fmt.Errorf("failed to delete signals for call(id=%s). %w", callID, err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}
