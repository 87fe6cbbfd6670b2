package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// ErrDegraded marks a save where every tier failed. The in-memory state is
// then ahead of the durable state until the next successful write.
var ErrDegraded = errors.New("all persistence tiers failed")

// Tier is one storage level of the gateway.
type Tier interface {
	Save(ctx context.Context, snap types.Snapshot) error
	Load(ctx context.Context) (snap types.Snapshot, populated bool, err error)
	Clear(ctx context.Context) error
}

// Gateway writes snapshots through a primary tier with a fallback tier
// behind it. Nothing here is fatal: a degraded write is logged and the
// caller keeps running on in-memory state.
type Gateway struct {
	primary  Tier
	fallback Tier
}

// NewGateway builds the tiered path.
func NewGateway(primary, fallback Tier) *Gateway {
	return &Gateway{primary: primary, fallback: fallback}
}

// SaveSnapshot persists the snapshot: primary first, and on success the
// fallback copy is cleared so the two tiers never diverge. When the
// primary fails the write lands in the fallback instead, best effort.
func (g *Gateway) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	log := logging.Get(logging.CategoryPersist)

	primaryErr := g.primary.Save(ctx, snap)
	if primaryErr == nil {
		if err := g.fallback.Clear(ctx); err != nil {
			log.Warnw("failed to clear fallback after primary write", "error", err)
		}
		return nil
	}

	log.Warnw("primary store unreachable, writing fallback", "error", primaryErr)
	if err := g.fallback.Save(ctx, snap); err != nil {
		log.Errorw("fallback write failed", "error", err)
		return fmt.Errorf("%w: primary: %v, fallback: %v", ErrDegraded, primaryErr, err)
	}
	return nil
}

// LoadSnapshot restores state at startup. The primary wins when populated;
// otherwise a populated fallback is adopted and immediately replicated
// back into the primary (self-healing). With no data anywhere, or with
// only malformed data, the result is empty maps - never an error.
func (g *Gateway) LoadSnapshot(ctx context.Context) types.Snapshot {
	log := logging.Get(logging.CategoryPersist)

	snap, populated, err := g.primary.Load(ctx)
	if err != nil {
		log.Errorw("primary load failed, checking fallback", "error", err)
	} else if populated {
		return snap
	}

	snap, populated, err = g.fallback.Load(ctx)
	if err != nil {
		log.Errorw("fallback load failed, starting empty", "error", err)
		return types.NewSnapshot()
	}
	if !populated {
		return types.NewSnapshot()
	}

	log.Infow("adopted fallback snapshot, replicating into primary")
	if err := g.primary.Save(ctx, snap); err != nil {
		// Keep the fallback copy: it is still the only durable one.
		log.Warnw("failed to replicate fallback into primary", "error", err)
		return snap
	}
	if err := g.fallback.Clear(ctx); err != nil {
		log.Warnw("failed to clear fallback after replication", "error", err)
	}
	return snap
}
