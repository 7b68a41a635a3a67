// Package keypackage manages the client-side pool of pre-generated
// KeyPackages: how many to keep on hand, when to top the pool back up, and
// how to retire ones the relay has accepted or that have simply expired.
// internal/mlsengine generates the packages; internal/clientstore keeps the
// bookkeeping rows.
package keypackage

import (
	"context"
	"log/slog"

	"github.com/q10elabs/mlschat/internal/clientstore"
	"github.com/q10elabs/mlschat/internal/mlsengine"
	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// Config describes the pool's size thresholds.
type Config struct {
	TargetPoolSize int
	LowWatermark   int
	HardCap        int
}

// DefaultConfig returns the thresholds used when no configuration is given.
func DefaultConfig() Config {
	return Config{TargetPoolSize: 32, LowWatermark: 8, HardCap: 64}
}

// Pool manages one username's KeyPackage lifecycle against a local store and
// the MLS provider that holds each package's one-time HPKE init key.
type Pool struct {
	username string
	cfg      Config
	store    *clientstore.Store
	provider *mlsengine.Provider
	log      *slog.Logger
}

// New constructs a pool manager for username.
func New(username string, cfg Config, store *clientstore.Store, provider *mlsengine.Provider, log *slog.Logger) *Pool {
	return &Pool{username: username, cfg: cfg, store: store, provider: provider, log: log}
}

// Generated is one freshly generated, not-yet-uploaded KeyPackage together
// with its TLS-serialized bytes, ready for an upload call.
type Generated struct {
	Ref   []byte
	Bytes []byte
}

// GenerateAndUpdatePool generates count new KeyPackages for identity,
// refusing to push the unspent count over the hard cap, and records each as
// "created" in the local store.
func (p *Pool) GenerateAndUpdatePool(ctx context.Context, identity *mlsengine.Identity, count int, now int64) ([]Generated, error) {
	unspent, err := p.unspentCount(ctx)
	if err != nil {
		return nil, err
	}
	if unspent+count > p.cfg.HardCap {
		headroom := p.cfg.HardCap - unspent
		if headroom < 0 {
			headroom = 0
		}
		return nil, &mlserrors.PoolCapacityExceeded{Needed: count, Headroom: headroom}
	}

	out := make([]Generated, 0, count)
	for i := 0; i < count; i++ {
		bundle, err := mlsengine.GenerateKeyPackage(identity)
		if err != nil {
			return nil, err
		}
		if err := p.provider.SaveKeyPackageInit(ctx, bundle.Ref, bundle.InitPrivateKeyBytes()); err != nil {
			return nil, err
		}
		if err := p.store.CreatePoolMetadata(ctx, p.username, bundle.Ref, bundle.Bytes(), bundle.NotAfter, now); err != nil {
			return nil, err
		}
		out = append(out, Generated{Ref: bundle.Ref, Bytes: bundle.Bytes()})
	}

	p.log.Debug("generated key packages", "username", p.username, "count", len(out))
	return out, nil
}

// AvailableCount returns how many KeyPackages are uploaded and available
// for the relay to hand out.
func (p *Pool) AvailableCount(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, p.username, "available")
}

func (p *Pool) unspentCount(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, p.username, "available", "created", "uploaded")
}

// ShouldReplenish reports whether the available count has fallen below the
// low watermark.
func (p *Pool) ShouldReplenish(ctx context.Context) (bool, error) {
	available, err := p.AvailableCount(ctx)
	if err != nil {
		return false, err
	}
	return available < p.cfg.LowWatermark, nil
}

// ReplenishmentNeeded returns how many KeyPackages are needed to bring the
// available count back up to the target size, or 0 if it's already there.
func (p *Pool) ReplenishmentNeeded(ctx context.Context) (int, error) {
	available, err := p.AvailableCount(ctx)
	if err != nil {
		return 0, err
	}
	if available >= p.cfg.TargetPoolSize {
		return 0, nil
	}
	return p.cfg.TargetPoolSize - available, nil
}

// MarkSpent records ref as spent once the relay confirms it was handed out
// and consumed by an inviter.
func (p *Pool) MarkSpent(ctx context.Context, ref []byte) error {
	return p.store.UpdatePoolMetadataStatus(ctx, ref, "spent")
}

// MarkUploaded records ref as uploaded to the relay, the step between
// "created" locally and "available" for the relay to reserve.
func (p *Pool) MarkUploaded(ctx context.Context, ref []byte) error {
	return p.store.UpdatePoolMetadataStatus(ctx, ref, "uploaded")
}

// MarkAvailable records ref as confirmed available on the relay.
func (p *Pool) MarkAvailable(ctx context.Context, ref []byte) error {
	return p.store.UpdatePoolMetadataStatus(ctx, ref, "available")
}

// PendingUpload returns every KeyPackage still in the "created" state,
// i.e. generated locally but not yet handed to the relay.
func (p *Pool) PendingUpload(ctx context.Context) ([]clientstore.PoolEntry, error) {
	return p.store.GetMetadataByStatus(ctx, p.username, "created")
}

// CleanupExpired removes every KeyPackage whose not_after has passed now,
// deleting its init private key from the MLS provider and its bookkeeping
// row from the local store. Provider deletion failures are logged and
// skipped; it returns how many rows were removed so a caller can log or
// report on the sweep.
func (p *Pool) CleanupExpired(ctx context.Context, now int64) (int, error) {
	refs, err := p.store.GetExpiredRefs(ctx, p.username, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range refs {
		if err := p.provider.DeleteKeyPackageInit(ctx, ref); err != nil {
			p.log.Warn("failed to delete expired key package from provider", "username", p.username, "error", err)
		}
		if err := p.store.DeletePoolMetadata(ctx, ref); err != nil {
			p.log.Warn("failed to delete expired key package metadata", "username", p.username, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
