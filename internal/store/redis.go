package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/models"
)

// RedisStore keeps bookings and drivers as JSON values and implements
// RunTransaction with WATCH-based optimistic transactions. Two index sets are
// maintained alongside the records: the set of available driver ids and a
// per-driver set of active booking ids. Indexes are advisory; every reader of
// a record re-checks the record itself.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

func bookingKey(id string) string { return "booking:" + id }
func driverKey(id string) string  { return "driver:" + id }
func driverActiveKey(id string) string {
	return "driver:" + id + ":active"
}

const availableDriversKey = "drivers:available"

func (s *RedisStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return getJSON[models.Booking](ctx, s.client, bookingKey(id))
}

func (s *RedisStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return getJSON[models.Driver](ctx, s.client, driverKey(id))
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &out, nil
}

func (s *RedisStore) PutBooking(ctx context.Context, b *models.Booking) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		// Read first so index maintenance sees the prior assignment.
		if _, err := tx.Booking(ctx, b.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		tx.PutBooking(b)
		return nil
	})
}

func (s *RedisStore) PutDriver(ctx context.Context, d *models.Driver) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.Driver(ctx, d.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		tx.PutDriver(d)
		return nil
	})
}

func (s *RedisStore) ListAvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	ids, err := s.client.SMembers(ctx, availableDriversKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDriver(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Status == models.DriverAvailable {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *RedisStore) ListDriverActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error) {
	ids, err := s.client.SMembers(ctx, driverActiveKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBooking(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if b.AssignedDriver != nil && b.AssignedDriver.DriverID == driverID && b.Status.ActiveAssigned() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *RedisStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{
			rtx:          rtx,
			priorDrivers: make(map[string]string),
		}
		if err := fn(tx); err != nil {
			return err
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return tx.flush(ctx, pipe)
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxConflict
	}
	return err
}

type redisTx struct {
	rtx *redis.Tx
	// priorDrivers maps booking id to the driver id attached to the booking
	// at read time, used to clean up the per-driver active index on write.
	priorDrivers  map[string]string
	writeBookings []*models.Booking
	writeDrivers  []*models.Driver
}

func (t *redisTx) Booking(ctx context.Context, id string) (*models.Booking, error) {
	if err := t.rtx.Watch(ctx, bookingKey(id)).Err(); err != nil {
		return nil, err
	}
	b, err := getJSON[models.Booking](ctx, t.rtx, bookingKey(id))
	if err != nil {
		return nil, err
	}
	if b.AssignedDriver != nil {
		t.priorDrivers[id] = b.AssignedDriver.DriverID
	}
	return b, nil
}

func (t *redisTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	if err := t.rtx.Watch(ctx, driverKey(id)).Err(); err != nil {
		return nil, err
	}
	return getJSON[models.Driver](ctx, t.rtx, driverKey(id))
}

func (t *redisTx) PutBooking(b *models.Booking) {
	t.writeBookings = append(t.writeBookings, b)
}

func (t *redisTx) PutDriver(d *models.Driver) {
	t.writeDrivers = append(t.writeDrivers, d)
}

func (t *redisTx) flush(ctx context.Context, pipe redis.Pipeliner) error {
	for _, b := range t.writeBookings {
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		pipe.Set(ctx, bookingKey(b.ID), raw, 0)

		prior := t.priorDrivers[b.ID]
		current := ""
		if b.AssignedDriver != nil && b.Status.ActiveAssigned() {
			current = b.AssignedDriver.DriverID
		}
		if prior != "" && prior != current {
			pipe.SRem(ctx, driverActiveKey(prior), b.ID)
		}
		if current != "" {
			pipe.SAdd(ctx, driverActiveKey(current), b.ID)
		}
	}
	for _, d := range t.writeDrivers {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		pipe.Set(ctx, driverKey(d.ID), raw, 0)
		if d.Status == models.DriverAvailable {
			pipe.SAdd(ctx, availableDriversKey, d.ID)
		} else {
			pipe.SRem(ctx, availableDriversKey, d.ID)
		}
	}
	return nil
}
