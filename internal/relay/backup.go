package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// errBackupNotFound is returned by BackupStore.Get when no backup exists for
// a username.
var errBackupNotFound = errors.New("backup not found")

// BackupStore backs the /backup endpoints: the encrypted client state blob
// lives in S3-compatible object storage, and Postgres keeps only a pointer
// row plus the timestamp.
type BackupStore struct {
	client *minio.Client
	bucket string
	db     *DB
	logger *slog.Logger
}

// NewBackupStore connects to the configured S3-compatible endpoint and
// ensures the backup bucket exists.
func NewBackupStore(ctx context.Context, endpoint, accessKey, secretKey, region, bucket string, useSSL bool, db *DB, logger *slog.Logger) (*BackupStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
		logger.Info("backup bucket created", slog.String("bucket", bucket))
	}

	return &BackupStore{client: client, bucket: bucket, db: db, logger: logger}, nil
}

func backupObjectKey(username string) string {
	return "backups/" + username + ".bin"
}

// Put uploads the encrypted state blob and records a pointer row with the
// current timestamp. A later Put for the same username overwrites both
// (last writer wins).
func (b *BackupStore) Put(ctx context.Context, username string, encryptedState []byte) error {
	key := backupObjectKey(username)
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(encryptedState), int64(len(encryptedState)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading backup object: %w", err)
	}

	now := time.Now().UTC()
	if _, err := b.db.Pool.Exec(ctx,
		`INSERT INTO backups (username, ciphertext_blob, ts) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET ciphertext_blob = EXCLUDED.ciphertext_blob, ts = EXCLUDED.ts`,
		username, []byte(key), now,
	); err != nil {
		return fmt.Errorf("recording backup pointer: %w", err)
	}
	return nil
}

// Get fetches the encrypted state blob and its timestamp.
func (b *BackupStore) Get(ctx context.Context, username string) ([]byte, time.Time, error) {
	var pointer []byte
	var ts time.Time
	err := b.db.Pool.QueryRow(ctx,
		`SELECT ciphertext_blob, ts FROM backups WHERE username = $1`, username,
	).Scan(&pointer, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, errBackupNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("looking up backup pointer: %w", err)
	}

	obj, err := b.client.GetObject(ctx, b.bucket, string(pointer), minio.GetObjectOptions{})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetching backup object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading backup object: %w", err)
	}
	return data, ts, nil
}

// HealthCheck verifies the object store is reachable.
func (b *BackupStore) HealthCheck(ctx context.Context) error {
	_, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("object store health check: %w", err)
	}
	return nil
}
