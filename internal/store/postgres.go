package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-booking/internal/models"
)

// PostgresStore implements Store on Postgres using serializable transactions.
// Serialization failures (SQLSTATE 40001) surface as ErrTxConflict so callers
// retry the same way they do against the Redis backend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a migration script verbatim.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const bookingCols = `id, customer_id, status, pickup_address, pickup_lat, pickup_lng,
	driver_id, driver_name, driver_phone, driver_vehicle, driver_lat, driver_lng,
	price_cents, currency, service_tier, notes, payment_intent_id,
	created_at, updated_at, accepted_at, on_way_at, arrived_at, started_at,
	completed_at, cancelled_at, rejected_at`

const driverCols = `id, name, phone, vehicle, status, lat, lng, updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	var pickupLat, pickupLng, driverLat, driverLng sql.NullFloat64
	var driverID, driverName, driverPhone, driverVehicle sql.NullString
	err := row.Scan(&b.ID, &b.CustomerID, &b.Status, &b.PickupAddress, &pickupLat, &pickupLng,
		&driverID, &driverName, &driverPhone, &driverVehicle, &driverLat, &driverLng,
		&b.PriceCents, &b.Currency, &b.ServiceTier, &b.Notes, &b.PaymentIntentID,
		&b.CreatedAt, &b.UpdatedAt, &b.AcceptedAt, &b.OnWayAt, &b.ArrivedAt, &b.StartedAt,
		&b.CompletedAt, &b.CancelledAt, &b.RejectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pickupLat.Valid && pickupLng.Valid {
		b.Pickup = &models.Coord{Lat: pickupLat.Float64, Lng: pickupLng.Float64}
	}
	if driverID.Valid && driverID.String != "" {
		snap := &models.DriverSnapshot{
			DriverID: driverID.String,
			Name:     driverName.String,
			Phone:    driverPhone.String,
			Vehicle:  driverVehicle.String,
		}
		if driverLat.Valid && driverLng.Valid {
			snap.Location = &models.Coord{Lat: driverLat.Float64, Lng: driverLng.Float64}
		}
		b.AssignedDriver = snap
	}
	return &b, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var lat, lng sql.NullFloat64
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Vehicle, &d.Status, &lat, &lng, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		d.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &d, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getBookingQ(ctx context.Context, q queryer, id string) (*models.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id=$1`, id)
	return scanBooking(row)
}

func getDriverQ(ctx context.Context, q queryer, id string) (*models.Driver, error) {
	row := q.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id)
	return scanDriver(row)
}

func putBookingQ(ctx context.Context, q queryer, b *models.Booking) error {
	var pickupLat, pickupLng, driverLat, driverLng sql.NullFloat64
	var driverID, driverName, driverPhone, driverVehicle sql.NullString
	if b.Pickup != nil {
		pickupLat = sql.NullFloat64{Float64: b.Pickup.Lat, Valid: true}
		pickupLng = sql.NullFloat64{Float64: b.Pickup.Lng, Valid: true}
	}
	if s := b.AssignedDriver; s != nil {
		driverID = sql.NullString{String: s.DriverID, Valid: true}
		driverName = sql.NullString{String: s.Name, Valid: true}
		driverPhone = sql.NullString{String: s.Phone, Valid: true}
		driverVehicle = sql.NullString{String: s.Vehicle, Valid: true}
		if s.Location != nil {
			driverLat = sql.NullFloat64{Float64: s.Location.Lat, Valid: true}
			driverLng = sql.NullFloat64{Float64: s.Location.Lng, Valid: true}
		}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO bookings(`+bookingCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, pickup_address=EXCLUDED.pickup_address,
			pickup_lat=EXCLUDED.pickup_lat, pickup_lng=EXCLUDED.pickup_lng,
			driver_id=EXCLUDED.driver_id, driver_name=EXCLUDED.driver_name,
			driver_phone=EXCLUDED.driver_phone, driver_vehicle=EXCLUDED.driver_vehicle,
			driver_lat=EXCLUDED.driver_lat, driver_lng=EXCLUDED.driver_lng,
			price_cents=EXCLUDED.price_cents, currency=EXCLUDED.currency,
			service_tier=EXCLUDED.service_tier, notes=EXCLUDED.notes,
			payment_intent_id=EXCLUDED.payment_intent_id,
			updated_at=EXCLUDED.updated_at, accepted_at=EXCLUDED.accepted_at,
			on_way_at=EXCLUDED.on_way_at, arrived_at=EXCLUDED.arrived_at,
			started_at=EXCLUDED.started_at, completed_at=EXCLUDED.completed_at,
			cancelled_at=EXCLUDED.cancelled_at, rejected_at=EXCLUDED.rejected_at`,
		b.ID, b.CustomerID, b.Status, b.PickupAddress, pickupLat, pickupLng,
		driverID, driverName, driverPhone, driverVehicle, driverLat, driverLng,
		b.PriceCents, b.Currency, b.ServiceTier, b.Notes, b.PaymentIntentID,
		b.CreatedAt, b.UpdatedAt, b.AcceptedAt, b.OnWayAt, b.ArrivedAt, b.StartedAt,
		b.CompletedAt, b.CancelledAt, b.RejectedAt)
	return err
}

func putDriverQ(ctx context.Context, q queryer, d *models.Driver) error {
	var lat, lng sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: d.Location.Lng, Valid: true}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO drivers(`+driverCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, phone=EXCLUDED.phone, vehicle=EXCLUDED.vehicle,
			status=EXCLUDED.status, lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			updated=EXCLUDED.updated`,
		d.ID, d.Name, d.Phone, d.Vehicle, d.Status, lat, lng, d.Updated)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return getBookingQ(ctx, p.db, id)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return getDriverQ(ctx, p.db, id)
}

func (p *PostgresStore) PutBooking(ctx context.Context, b *models.Booking) error {
	return putBookingQ(ctx, p.db, b)
}

func (p *PostgresStore) PutDriver(ctx context.Context, d *models.Driver) error {
	return putDriverQ(ctx, p.db, d)
}

func (p *PostgresStore) ListAvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE status=$1`, models.DriverAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListDriverActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingCols+` FROM bookings
		WHERE driver_id=$1 AND status = ANY($2)`,
		driverID, pq.Array([]string{
			string(models.StatusAccepted), string(models.StatusOnWay),
			string(models.StatusArrived), string(models.StatusStarted),
		}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	tx := &pgTx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return mapPgErr(err)
	}
	if err := tx.flush(); err != nil {
		_ = sqlTx.Rollback()
		return mapPgErr(err)
	}
	return mapPgErr(sqlTx.Commit())
}

type pgTx struct {
	ctx           context.Context
	tx            *sql.Tx
	writeBookings []*models.Booking
	writeDrivers  []*models.Driver
}

func (t *pgTx) Booking(ctx context.Context, id string) (*models.Booking, error) {
	return getBookingQ(ctx, t.tx, id)
}

func (t *pgTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	return getDriverQ(ctx, t.tx, id)
}

func (t *pgTx) PutBooking(b *models.Booking) {
	t.writeBookings = append(t.writeBookings, b)
}

func (t *pgTx) PutDriver(d *models.Driver) {
	t.writeDrivers = append(t.writeDrivers, d)
}

func (t *pgTx) flush() error {
	for _, b := range t.writeBookings {
		if err := putBookingQ(t.ctx, t.tx, b); err != nil {
			return err
		}
	}
	for _, d := range t.writeDrivers {
		if err := putDriverQ(t.ctx, t.tx, d); err != nil {
			return err
		}
	}
	return nil
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		return ErrTxConflict
	}
	return err
}
