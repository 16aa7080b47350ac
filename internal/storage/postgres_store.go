package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/example/safewalk/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const selectColumns = `id, student_id, escort_id, pickup_label, pickup_lat, pickup_lng,
	dest_label, dest_lat, dest_lng, student_lat, student_lng, code, eta_seconds,
	walking, declined, created_at, updated_at`

func (p *PostgresStore) Save(ctx context.Context, r *models.RequestRecord) error {
	plat, plng := coordArgs(r.Pickup.Coord)
	dlat, dlng := coordArgs(r.Destination.Coord)
	slat, slng := coordArgs(r.StudentLoc)
	_, err := p.db.ExecContext(ctx, `INSERT INTO safewalk_requests(id, student_id, escort_id, pickup_label, pickup_lat, pickup_lng,
		dest_label, dest_lat, dest_lng, student_lat, student_lng, code, eta_seconds, walking, declined, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.StudentID, r.EscortID, r.Pickup.Label, plat, plng,
		r.Destination.Label, dlat, dlng, slat, slng, r.Code, r.ETASeconds, r.Walking,
		pq.Array(nonNil(r.Declined)), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, r *models.RequestRecord) error {
	slat, slng := coordArgs(r.StudentLoc)
	res, err := p.db.ExecContext(ctx, `UPDATE safewalk_requests SET escort_id=$1, student_lat=$2, student_lng=$3,
		code=$4, eta_seconds=$5, walking=$6, declined=$7, updated_at=$8 WHERE id=$9 AND ended_at IS NULL`,
		r.EscortID, slat, slng, r.Code, r.ETASeconds, r.Walking, pq.Array(nonNil(r.Declined)), time.Now(), r.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RequestRecord, error) {
	return p.queryOne(ctx, `SELECT `+selectColumns+` FROM safewalk_requests WHERE id=$1 AND ended_at IS NULL`, id)
}

func (p *PostgresStore) ByStudent(ctx context.Context, studentID string) (*models.RequestRecord, error) {
	return p.queryOne(ctx, `SELECT `+selectColumns+` FROM safewalk_requests WHERE student_id=$1 AND ended_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, studentID)
}

func (p *PostgresStore) ByEscort(ctx context.Context, escortID string) (*models.RequestRecord, error) {
	if escortID == "" {
		return nil, models.ErrNotFound
	}
	return p.queryOne(ctx, `SELECT `+selectColumns+` FROM safewalk_requests WHERE escort_id=$1 AND ended_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, escortID)
}

// End keeps the row for history.
func (p *PostgresStore) End(ctx context.Context, id string, final models.Status) error {
	res, err := p.db.ExecContext(ctx, `UPDATE safewalk_requests SET final_status=$1, ended_at=$2, updated_at=$2
		WHERE id=$3 AND ended_at IS NULL`, final.String(), time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) queryOne(ctx context.Context, q string, arg string) (*models.RequestRecord, error) {
	var (
		r                                  models.RequestRecord
		plat, plng, dlat, dlng, slat, slng sql.NullFloat64
		declined                           []string
	)
	err := p.db.QueryRowContext(ctx, q, arg).Scan(&r.ID, &r.StudentID, &r.EscortID, &r.Pickup.Label, &plat, &plng,
		&r.Destination.Label, &dlat, &dlng, &slat, &slng, &r.Code, &r.ETASeconds, &r.Walking,
		pq.Array(&declined), &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Pickup.Coord = coordFrom(plat, plng)
	r.Destination.Coord = coordFrom(dlat, dlng)
	r.StudentLoc = coordFrom(slat, slng)
	r.Declined = declined
	return &r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func coordArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lng, Valid: true}
}

func coordFrom(lat, lng sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
