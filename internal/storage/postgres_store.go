package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/models"
)

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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies every *.sql file of dir in name order. The scripts are
// idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apperr.Storage("begin", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Storage("commit", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const rideColumns = `id, user_id, chair_id, pickup_latitude, pickup_longitude,
	destination_latitude, destination_longitude, latest_status, evaluation, created_at, updated_at`

func scanRide(s rowScanner) (*models.Ride, error) {
	var (
		r          models.Ride
		chairID    sql.NullString
		evaluation sql.NullInt64
	)
	err := s.Scan(&r.ID, &r.UserID, &chairID, &r.Pickup.Latitude, &r.Pickup.Longitude,
		&r.Destination.Latitude, &r.Destination.Longitude, &r.LatestStatus, &evaluation, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if chairID.Valid {
		r.ChairID = &chairID.String
	}
	if evaluation.Valid {
		v := int(evaluation.Int64)
		r.Evaluation = &v
	}
	return &r, nil
}

func (t *pgTx) queryRides(ctx context.Context, op, query string, args ...any) ([]models.Ride, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		out = append(out, *r)
	}
	return out, apperr.Storage(op, rows.Err())
}

// optionalRide maps sql.ErrNoRows to nil, nil.
func optionalRide(op string, r *models.Ride, err error) (*models.Ride, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return r, nil
}

func requiredRow(op, what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.Storage(op, err)
}

func (t *pgTx) CreateRide(ctx context.Context, r *models.Ride) error {
	err := t.tx.QueryRowContext(ctx, `INSERT INTO rides (id, user_id, pickup_latitude, pickup_longitude,
		destination_latitude, destination_longitude, latest_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		r.ID, r.UserID, r.Pickup.Latitude, r.Pickup.Longitude, r.Destination.Latitude, r.Destination.Longitude, r.LatestStatus,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	return apperr.Storage("create ride", err)
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if err != nil {
		return nil, requiredRow("get ride", "ride", err)
	}
	return r, nil
}

func (t *pgTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, requiredRow("lock ride", "ride", err)
	}
	return r, nil
}

func (t *pgTx) RidesByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	return t.queryRides(ctx, "rides by user",
		`SELECT `+rideColumns+` FROM rides WHERE user_id = $1 ORDER BY created_at ASC`, userID)
}

func (t *pgTx) LatestRideByUser(ctx context.Context, userID string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID))
	return optionalRide("latest ride by user", r, err)
}

func (t *pgTx) LatestRideByChair(ctx context.Context, chairID string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE chair_id = $1 ORDER BY updated_at DESC LIMIT 1`, chairID))
	return optionalRide("latest ride by chair", r, err)
}

func (t *pgTx) LockActiveRideByChair(ctx context.Context, chairID string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE chair_id = $1 AND latest_status <> $2
		ORDER BY updated_at DESC LIMIT 1 FOR UPDATE`, chairID, models.StatusCompleted))
	return optionalRide("lock active ride by chair", r, err)
}

func (t *pgTx) UnmatchedRides(ctx context.Context) ([]models.Ride, error) {
	return t.queryRides(ctx, "unmatched rides",
		`SELECT `+rideColumns+` FROM rides WHERE chair_id IS NULL ORDER BY created_at ASC FOR UPDATE`)
}

func (t *pgTx) AssignChair(ctx context.Context, rideID, chairID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET chair_id = $1, updated_at = clock_timestamp() WHERE id = $2 AND chair_id IS NULL`,
		chairID, rideID)
	if err != nil {
		return false, apperr.Storage("assign chair", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("assign chair", err)
	}
	return n == 1, nil
}

func (t *pgTx) SetEvaluation(ctx context.Context, rideID string, evaluation int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET evaluation = $1, updated_at = clock_timestamp() WHERE id = $2`, evaluation, rideID)
	if err != nil {
		return apperr.Storage("set evaluation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ride not found")
	}
	return nil
}

func (t *pgTx) AppendTransition(ctx context.Context, rideID string, status models.RideStatus) (*models.RideStatusTransition, error) {
	tr := models.RideStatusTransition{ID: uuid.NewString(), RideID: rideID, Status: status}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO ride_statuses (id, ride_id, status) VALUES ($1, $2, $3) RETURNING created_at`,
		tr.ID, rideID, status,
	).Scan(&tr.CreatedAt)
	if err != nil {
		return nil, apperr.Storage("append transition", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET latest_status = $1, updated_at = $2 WHERE id = $3`, status, tr.CreatedAt, rideID)
	if err != nil {
		return nil, apperr.Storage("update latest status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("ride not found")
	}
	return &tr, nil
}

const transitionColumns = `id, ride_id, status, created_at, app_sent_at, chair_sent_at`

func scanTransition(s rowScanner) (*models.RideStatusTransition, error) {
	var (
		tr                 models.RideStatusTransition
		appSent, chairSent sql.NullTime
	)
	if err := s.Scan(&tr.ID, &tr.RideID, &tr.Status, &tr.CreatedAt, &appSent, &chairSent); err != nil {
		return nil, err
	}
	if appSent.Valid {
		tr.AppSentAt = &appSent.Time
	}
	if chairSent.Valid {
		tr.ChairSentAt = &chairSent.Time
	}
	return &tr, nil
}

func (t *pgTx) LockChannel(ctx context.Context, rideID string, audience models.Audience) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, rideID, string(audience))
	return apperr.Storage("lock channel", err)
}

func sentColumn(audience models.Audience) string {
	if audience == models.AudienceChair {
		return "chair_sent_at"
	}
	return "app_sent_at"
}

func (t *pgTx) OldestUndelivered(ctx context.Context, rideID string, audience models.Audience) (*models.RideStatusTransition, error) {
	tr, err := scanTransition(t.tx.QueryRowContext(ctx,
		`SELECT `+transitionColumns+` FROM ride_statuses
		WHERE ride_id = $1 AND `+sentColumn(audience)+` IS NULL
		ORDER BY created_at ASC, seq ASC LIMIT 1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("oldest undelivered", err)
	}
	return tr, nil
}

func (t *pgTx) MarkDelivered(ctx context.Context, transitionID string, audience models.Audience) error {
	col := sentColumn(audience)
	_, err := t.tx.ExecContext(ctx,
		`UPDATE ride_statuses SET `+col+` = clock_timestamp() WHERE id = $1 AND `+col+` IS NULL`, transitionID)
	return apperr.Storage("mark delivered", err)
}

const chairColumns = `id, owner_id, name, model, is_active, latitude, longitude, total_distance, access_token, created_at, updated_at`

func scanChair(s rowScanner) (*models.Chair, error) {
	var (
		c        models.Chair
		lat, lon sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Model, &c.IsActive, &lat, &lon, &c.TotalDistance, &c.AccessToken, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		c.Location = &models.Coord{Latitude: int(lat.Int64), Longitude: int(lon.Int64)}
	}
	return &c, nil
}

func (t *pgTx) GetChair(ctx context.Context, id string) (*models.Chair, error) {
	c, err := scanChair(t.tx.QueryRowContext(ctx, `SELECT `+chairColumns+` FROM chairs WHERE id = $1`, id))
	if err != nil {
		return nil, requiredRow("get chair", "chair", err)
	}
	return c, nil
}

func (t *pgTx) ChairByToken(ctx context.Context, token string) (*models.Chair, error) {
	c, err := scanChair(t.tx.QueryRowContext(ctx, `SELECT `+chairColumns+` FROM chairs WHERE access_token = $1`, token))
	if err != nil {
		return nil, requiredRow("chair by token", "chair", err)
	}
	return c, nil
}

func (t *pgTx) SetChairActive(ctx context.Context, chairID string, active bool) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE chairs SET is_active = $1, updated_at = clock_timestamp() WHERE id = $2`, active, chairID)
	if err != nil {
		return apperr.Storage("set chair active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("chair not found")
	}
	return nil
}

func (t *pgTx) RecordLocation(ctx context.Context, chairID string, c models.Coord) (*models.ChairLocation, error) {
	loc := models.ChairLocation{ID: uuid.NewString(), ChairID: chairID, Coord: c}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO chair_locations (id, chair_id, latitude, longitude) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		loc.ID, chairID, c.Latitude, c.Longitude,
	).Scan(&loc.CreatedAt)
	if err != nil {
		return nil, apperr.Storage("record location", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE chairs SET
		total_distance = total_distance + COALESCE(ABS(latitude - $1) + ABS(longitude - $2), 0),
		latitude = $1, longitude = $2, updated_at = $3
		WHERE id = $4`, c.Latitude, c.Longitude, loc.CreatedAt, chairID)
	if err != nil {
		return nil, apperr.Storage("move chair", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("chair not found")
	}
	return &loc, nil
}

func (t *pgTx) AvailableChairs(ctx context.Context) ([]models.AvailableChair, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT c.id, c.name, c.model, c.latitude, c.longitude, m.speed
		FROM chairs c JOIN chair_models m ON m.name = c.model
		WHERE c.is_active AND c.latitude IS NOT NULL AND c.longitude IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM rides r WHERE r.chair_id = c.id AND r.latest_status <> $1)
		AND NOT EXISTS (SELECT 1 FROM rides r JOIN ride_statuses s ON s.ride_id = r.id
			WHERE r.chair_id = c.id AND s.chair_sent_at IS NULL)
		ORDER BY c.id`, models.StatusCompleted)
	if err != nil {
		return nil, apperr.Storage("available chairs", err)
	}
	defer rows.Close()
	var out []models.AvailableChair
	for rows.Next() {
		var c models.AvailableChair
		if err := rows.Scan(&c.ID, &c.Name, &c.Model, &c.Location.Latitude, &c.Location.Longitude, &c.Speed); err != nil {
			return nil, apperr.Storage("available chairs", err)
		}
		out = append(out, c)
	}
	return out, apperr.Storage("available chairs", rows.Err())
}

func (t *pgTx) ChairStats(ctx context.Context, chairID string) (models.ChairStats, error) {
	var (
		stats models.ChairStats
		avg   sql.NullFloat64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*), AVG(COALESCE(evaluation, 0))::float8
		FROM rides WHERE chair_id = $1 AND latest_status = $2`, chairID, models.StatusCompleted,
	).Scan(&stats.TotalRidesCount, &avg)
	if err != nil {
		return stats, apperr.Storage("chair stats", err)
	}
	stats.TotalEvaluationAvg = avg.Float64
	return stats, nil
}

func (t *pgTx) CompletedRideCount(ctx context.Context, chairID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides WHERE chair_id = $1 AND latest_status = $2`,
		chairID, models.StatusCompleted).Scan(&n)
	if err != nil {
		return 0, apperr.Storage("completed ride count", err)
	}
	return n, nil
}

func (t *pgTx) CompletedRidesByChair(ctx context.Context, chairID string) ([]models.Ride, error) {
	return t.queryRides(ctx, "completed rides by chair",
		`SELECT `+rideColumns+` FROM rides WHERE chair_id = $1 AND latest_status = $2 ORDER BY created_at ASC`,
		chairID, models.StatusCompleted)
}

const couponColumns = `id, user_id, code, discount, created_at, used_by`

func scanCoupon(s rowScanner) (*models.Coupon, error) {
	var (
		c      models.Coupon
		usedBy sql.NullString
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Code, &c.Discount, &c.CreatedAt, &usedBy); err != nil {
		return nil, err
	}
	if usedBy.Valid {
		c.UsedBy = &usedBy.String
	}
	return &c, nil
}

func (t *pgTx) queryCoupons(ctx context.Context, op, query string, args ...any) ([]models.Coupon, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	defer rows.Close()
	var out []models.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		out = append(out, *c)
	}
	return out, apperr.Storage(op, rows.Err())
}

func (t *pgTx) LockUnusedCoupons(ctx context.Context, userID string) ([]models.Coupon, error) {
	return t.queryCoupons(ctx, "lock unused coupons",
		`SELECT `+couponColumns+` FROM coupons WHERE user_id = $1 AND used_by IS NULL ORDER BY created_at ASC FOR UPDATE`, userID)
}

func (t *pgTx) UnusedCoupons(ctx context.Context, userID string) ([]models.Coupon, error) {
	return t.queryCoupons(ctx, "unused coupons",
		`SELECT `+couponColumns+` FROM coupons WHERE user_id = $1 AND used_by IS NULL ORDER BY created_at ASC`, userID)
}

func (t *pgTx) BindCoupon(ctx context.Context, couponID, rideID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE coupons SET used_by = $1 WHERE id = $2 AND used_by IS NULL`, rideID, couponID)
	if err != nil {
		return false, apperr.Storage("bind coupon", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("bind coupon", err)
	}
	return n == 1, nil
}

func (t *pgTx) CouponForRide(ctx context.Context, rideID string) (*models.Coupon, error) {
	c, err := scanCoupon(t.tx.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE used_by = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("coupon for ride", err)
	}
	return c, nil
}

const userColumns = `id, username, firstname, lastname, access_token, created_at`

func scanUser(s rowScanner) (*models.User, error) {
	var u models.User
	if err := s.Scan(&u.ID, &u.Username, &u.Firstname, &u.Lastname, &u.AccessToken, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, requiredRow("get user", "user", err)
	}
	return u, nil
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, requiredRow("lock user", "user", err)
	}
	return u, nil
}

func (t *pgTx) UserByToken(ctx context.Context, token string) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE access_token = $1`, token))
	if err != nil {
		return nil, requiredRow("user by token", "user", err)
	}
	return u, nil
}

func (t *pgTx) PaymentToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := t.tx.QueryRowContext(ctx, `SELECT token FROM payment_tokens WHERE user_id = $1`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("payment token not registered")
	}
	return token, apperr.Storage("payment token", err)
}

func (t *pgTx) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := t.tx.QueryRowContext(ctx, `SELECT clock_timestamp()`).Scan(&now)
	return now, apperr.Storage("now", err)
}
