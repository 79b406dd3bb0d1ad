package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
)

// ProfileRepository lookup of user profiles.
type ProfileRepository interface {
	Find(ctx context.Context, id string) (models.Profile, error)
	Save(ctx context.Context, profile models.Profile) error
}

// NewProfileRepository creates a new SQL ProfileRepository.
func NewProfileRepository(db *sql.DB) ProfileRepository {
	return &profileRepo{
		db: db,
	}
}

type profileRepo struct {
	db *sql.DB
}

const findProfileQuery = `
	SELECT
		id,
		display_name,
		avatar_url
	FROM profile
	WHERE
		id = ?`

func (r *profileRepo) Find(ctx context.Context, id string) (models.Profile, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "profile_repo_find")
	defer span.Finish()

	var p models.Profile
	err := r.db.QueryRowContext(ctx, findProfileQuery, id).Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, fmt.Errorf("profile(id=%s) %w", id, ErrNotFound)
	}
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.Profile{}, err
	}

	return p, nil
}

const insertProfileQuery = `
	INSERT INTO profile(
			id,
			display_name,
			avatar_url,
			created_at,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?)`

func (r *profileRepo) Save(ctx context.Context, p models.Profile) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "profile_repo_save")
	defer span.Finish()

	now := getNow()
	_, err := r.db.ExecContext(ctx, insertProfileQuery, p.ID, p.DisplayName, p.AvatarURL, now, now)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}
