package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/kwenda/dispatch/internal/models"
)

// PostgresJobStore persists jobs in a single table. All state changes
// are conditional single-row UPDATEs checked via RowsAffected, so the
// database is the arbiter when two processes race on the same job.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresJobStore{db: db}, nil
}

func NewPostgresJobStoreFromDB(db *sql.DB) *PostgresJobStore { return &PostgresJobStore{db: db} }

// DB exposes the underlying pool so the session store can share it.
func (p *PostgresJobStore) DB() *sql.DB { return p.db }

func (p *PostgresJobStore) Create(ctx context.Context, j *models.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.UpdatedAt = j.CreatedAt
	var dropLat, dropLon sql.NullFloat64
	if j.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: j.Dropoff.Lat, Valid: true}
		dropLon = sql.NullFloat64{Float64: j.Dropoff.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs(id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_class, service_type, priority, status, retry_count, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.Pickup.Lat, j.Pickup.Lon, dropLat, dropLon,
		j.VehicleClass, j.ServiceType, string(j.Priority), j.Status, j.RetryCount, j.CreatedAt, j.UpdatedAt)
	return err
}

func (p *PostgresJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var (
		j                jobRow
		dropLat, dropLon sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle_class,
			service_type, priority, status, driver_id, assigned_at, progress_at,
			retry_count, created_at, updated_at
		FROM jobs WHERE id=$1`, id).Scan(
		&j.id, &j.pickupLat, &j.pickupLon, &dropLat, &dropLon, &j.vehicleClass,
		&j.serviceType, &j.priority, &j.status, &j.driverID, &j.assignedAt, &j.progressAt,
		&j.retryCount, &j.createdAt, &j.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := &models.Job{
		ID:           j.id,
		Pickup:       models.Coord{Lat: j.pickupLat, Lon: j.pickupLon},
		VehicleClass: j.vehicleClass.String,
		ServiceType:  j.serviceType,
		Priority:     models.Priority(j.priority),
		Status:       j.status,
		DriverID:     j.driverID.String,
		RetryCount:   j.retryCount,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
	if dropLat.Valid && dropLon.Valid {
		out.Dropoff = &models.Coord{Lat: dropLat.Float64, Lon: dropLon.Float64}
	}
	if j.assignedAt.Valid {
		t := j.assignedAt.Time
		out.AssignedAt = &t
	}
	if j.progressAt.Valid {
		t := j.progressAt.Time
		out.ProgressAt = &t
	}
	return out, nil
}

type jobRow struct {
	id                   string
	pickupLat, pickupLon float64
	vehicleClass         sql.NullString
	serviceType          string
	priority             string
	status               string
	driverID             sql.NullString
	assignedAt           sql.NullTime
	progressAt           sql.NullTime
	retryCount           int
	createdAt, updatedAt time.Time
}

func (p *PostgresJobStore) Transition(ctx context.Context, id, to string, from ...string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status=$1, updated_at=now() WHERE id=$2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresJobStore) Assign(ctx context.Context, id, driverID, from string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, driver_id=$2, assigned_at=now(), updated_at=now()
		WHERE id=$3 AND status=$4`,
		models.JobAssigned, driverID, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresJobStore) Unassign(ctx context.Context, id, driverID, from, to string, incRetry bool) (bool, error) {
	inc := 0
	if incRetry {
		inc = 1
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, driver_id=NULL, assigned_at=NULL,
			retry_count=retry_count+$2, updated_at=now()
		WHERE id=$3 AND status=$4 AND driver_id=$5`,
		to, inc, id, from, driverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresJobStore) SetPriority(ctx context.Context, id string, pr models.Priority) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET priority=$1, updated_at=now() WHERE id=$2`, string(pr), id)
	return err
}

func (p *PostgresJobStore) Stalled(ctx context.Context, assignedBefore time.Time) ([]*models.Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status=$1 AND progress_at IS NULL AND assigned_at < $2`,
		models.JobAssigned, assignedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		j, err := p.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *PostgresJobStore) MarkProgress(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET progress_at=$1, updated_at=now() WHERE id=$2`, at, id)
	return err
}
