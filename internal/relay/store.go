package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// defaultReservationTTL is used when the caller does not override it via
// config.
const defaultReservationTTL = 60 * time.Second

const reserveLeaseTTL = 5 * time.Second
const spendLeaseTTL = 5 * time.Second

// UploadItem is one KeyPackage offered in a POST /keypackages/upload request.
type UploadItem struct {
	Ref      string
	Bytes    []byte
	NotAfter int64
}

// Reservation is the result of a successful reserve call.
type Reservation struct {
	KeyPackageRef        string
	KeyPackageBytes      []byte
	ReservationID        string
	ReservationExpiresAt int64
	NotAfter             int64
}

// StatusCounts reports how many of a user's KeyPackages are in each status.
type StatusCounts struct {
	Available int
	Reserved  int
	Spent     int
}

// Store is the authoritative, server-side KeyPackage registry. Reserve and
// spend each run their read-then-update inside a single Postgres
// transaction, additionally serialized per-username (reserve) or per-ref
// (spend) by a Redis-backed lock so that concurrent relay processes cannot
// interleave two updates to the same row.
type Store struct {
	db             *DB
	lock           *distributedLock
	logger         *slog.Logger
	reservationTTL time.Duration
}

// NewStore constructs a Store. A zero reservationTTL falls back to 60
// seconds.
func NewStore(db *DB, redisClient *redis.Client, reservationTTL time.Duration, logger *slog.Logger) *Store {
	if reservationTTL <= 0 {
		reservationTTL = defaultReservationTTL
	}
	return &Store{
		db:             db,
		lock:           newDistributedLock(redisClient),
		logger:         logger,
		reservationTTL: reservationTTL,
	}
}

// Upload inserts the given KeyPackages as `available` rows. Items that fail
// to insert (malformed or a storage error) are reported in rejected; every
// other ref is accepted. poolSize is the caller's resulting unspent count
// (available + reserved).
func (s *Store) Upload(ctx context.Context, username string, items []UploadItem) (accepted, rejected []string, poolSize int, err error) {
	if len(items) == 0 {
		return nil, nil, 0, &mlserrors.StorageError{Op: "upload", Err: errors.New("no keypackages supplied")}
	}

	for _, item := range items {
		_, execErr := s.db.Pool.Exec(ctx,
			`INSERT INTO keypackages (keypackage_ref, username, keypackage_bytes, not_after, status, uploaded_at)
			 VALUES ($1, $2, $3, $4, 'available', now())
			 ON CONFLICT (keypackage_ref) DO NOTHING`,
			item.Ref, username, item.Bytes, item.NotAfter,
		)
		if execErr != nil {
			s.logger.Warn("rejecting keypackage upload", slog.String("ref", item.Ref), slog.String("error", execErr.Error()))
			rejected = append(rejected, item.Ref)
			continue
		}
		accepted = append(accepted, item.Ref)
	}

	var count int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM keypackages WHERE username = $1 AND status IN ('available', 'reserved')`,
		username,
	).Scan(&count); err != nil {
		return accepted, rejected, 0, &mlserrors.StorageError{Op: "upload.count", Err: err}
	}

	return accepted, rejected, count, nil
}

// Reserve releases any expired reservations for this user, then claims the
// oldest-uploaded available, unexpired row under a fresh reservation_id.
func (s *Store) Reserve(ctx context.Context, username, groupID, reservedBy string) (*Reservation, error) {
	release, err := s.lock.acquire(ctx, "reserve:"+username, reserveLeaseTTL)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.lock", Err: err}
	}
	defer release(context.WithoutCancel(ctx))

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.begin", Err: err}
	}
	defer tx.Rollback(ctx)

	now := time.Now()

	// Step 1: release expired reservations for this user back to available.
	if _, err := tx.Exec(ctx,
		`UPDATE keypackages
		 SET status = 'available', reservation_id = NULL, reservation_expires_at = NULL,
		     reserved_by = NULL, group_id = NULL
		 WHERE username = $1 AND status = 'reserved' AND reservation_expires_at <= $2`,
		username, now.Unix(),
	); err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.release_expired", Err: err}
	}

	// Step 2/3: oldest-uploaded available row with not_after > now.
	var ref string
	var bytes []byte
	var notAfter int64
	err = tx.QueryRow(ctx,
		`SELECT keypackage_ref, keypackage_bytes, not_after
		 FROM keypackages
		 WHERE username = $1 AND status = 'available' AND not_after > $2
		 ORDER BY uploaded_at ASC
		 LIMIT 1
		 FOR UPDATE`,
		username, now.Unix(),
	).Scan(&ref, &bytes, &notAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &mlserrors.PoolExhausted{Username: username}
	}
	if err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.select", Err: err}
	}

	// Step 4: mark reserved.
	reservationID := uuid.NewString()
	expiresAt := now.Add(s.reservationTTL).Unix()
	if _, err := tx.Exec(ctx,
		`UPDATE keypackages
		 SET status = 'reserved', reservation_id = $1, reservation_expires_at = $2,
		     reserved_by = $3, group_id = $4, reserved_at = now()
		 WHERE keypackage_ref = $5`,
		reservationID, expiresAt, reservedBy, groupID, ref,
	); err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.update", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &mlserrors.StorageError{Op: "reserve.commit", Err: err}
	}

	return &Reservation{
		KeyPackageRef:        ref,
		KeyPackageBytes:      bytes,
		ReservationID:        reservationID,
		ReservationExpiresAt: expiresAt,
		NotAfter:             notAfter,
	}, nil
}

// Spend marks ref consumed. It does not require the prior reservation to
// still be live: any holder of a valid ref may spend it once. A ref
// uniquely identifies one package, and a repeat spend is rejected.
func (s *Store) Spend(ctx context.Context, ref, groupID, spentBy string) error {
	release, err := s.lock.acquire(ctx, "spend:"+ref, spendLeaseTTL)
	if err != nil {
		return &mlserrors.StorageError{Op: "spend.lock", Err: err}
	}
	defer release(context.WithoutCancel(ctx))

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return &mlserrors.StorageError{Op: "spend.begin", Err: err}
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM keypackages WHERE keypackage_ref = $1 FOR UPDATE`, ref).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &mlserrors.InvalidRef{Ref: ref}
	}
	if err != nil {
		return &mlserrors.StorageError{Op: "spend.select", Err: err}
	}

	if status == "spent" {
		s.logger.Error("double spend attempted", slog.String("ref", ref), slog.String("spent_by", spentBy))
		return &mlserrors.DoubleSpendAttempted{Ref: ref}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE keypackages
		 SET status = 'spent', spent_at = now(), spent_by = $1, spent_group_id = $2
		 WHERE keypackage_ref = $3`,
		spentBy, groupID, ref,
	); err != nil {
		return &mlserrors.StorageError{Op: "spend.update", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &mlserrors.StorageError{Op: "spend.commit", Err: err}
	}
	return nil
}

// Cancel releases a reservation early, bypassing TTL, when the caller
// presents the matching reservation_id.
func (s *Store) Cancel(ctx context.Context, ref, reservationID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE keypackages
		 SET status = 'available', reservation_id = NULL, reservation_expires_at = NULL,
		     reserved_by = NULL, group_id = NULL
		 WHERE keypackage_ref = $1 AND reservation_id = $2 AND status = 'reserved'`,
		ref, reservationID,
	)
	if err != nil {
		return &mlserrors.StorageError{Op: "cancel", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &mlserrors.InvalidRef{Ref: ref}
	}
	return nil
}

// Status returns counts by status for a username (GET /keypackages/status/{username}).
func (s *Store) Status(ctx context.Context, username string) (StatusCounts, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT status, count(*) FROM keypackages WHERE username = $1 GROUP BY status`,
		username,
	)
	if err != nil {
		return StatusCounts{}, &mlserrors.StorageError{Op: "status", Err: err}
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, &mlserrors.StorageError{Op: "status.scan", Err: err}
		}
		switch status {
		case "available":
			counts.Available = n
		case "reserved":
			counts.Reserved = n
		case "spent":
			counts.Spent = n
		}
	}
	return counts, nil
}

// CleanupExpired deletes rows whose not_after has passed, across all users.
// It is invoked from an operator task, not automatically; expired rows are
// already filtered out of reservation candidates lazily, so the sweep is
// purely reclamation.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM keypackages WHERE not_after <= $1`, now.Unix())
	if err != nil {
		return 0, &mlserrors.StorageError{Op: "cleanup_expired", Err: err}
	}
	return tag.RowsAffected(), nil
}
