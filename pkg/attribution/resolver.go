package attribution

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

// Registry is the read-only view of the chain the resolver joins against.
type Registry interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topics [][]common.Hash) ([]ethtypes.Log, error)
	ActorByID(ctx context.Context, actorID uint64) (*Actor, error)
	ActorByAddress(ctx context.Context, addr common.Address) (*Actor, error)
	ActorCompanions(ctx context.Context, actorID uint64) ([]uint64, error)
	IsCompanionOf(ctx context.Context, actorID, entityID uint64) (bool, error)
	ActiveActors(ctx context.Context, limit int) ([]Actor, error)
}

// Config holds resolver settings.
type Config struct {
	// RegistryAddress is the contract whose logs the backscan reads.
	RegistryAddress common.Address

	// LiveProbeCap bounds the active-actor snapshot of strategy 2.
	LiveProbeCap int

	// BackscanWindow is how many blocks before the entity's creation block
	// strategy 3 inspects.
	BackscanWindow uint64
}

// Resolver attempts the three join strategies in strict priority order,
// short-circuiting on the first success. Strategy failures are never fatal;
// a fully missed resolution is reported as (nil, nil) and the caller decides
// whether to enqueue the event for retry.
type Resolver struct {
	registry Registry
	cache    *Cache
	cfg      Config
	logger   *zap.Logger
}

// NewResolver builds a Resolver around the shared attribution cache.
func NewResolver(registry Registry, cache *Cache, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LiveProbeCap <= 0 {
		cfg.LiveProbeCap = 50
	}
	if cfg.BackscanWindow == 0 {
		cfg.BackscanWindow = 500
	}
	return &Resolver{
		registry: registry,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.Named("attribution"),
	}
}

// Resolve joins the row's entity to its actor. A cache hit wins outright;
// otherwise the strategies run in order: same-transaction receipt scan, live
// probe, historical backscan. Any success populates the shared cache.
func (r *Resolver) Resolve(ctx context.Context, row scan.LogRow) (*Actor, error) {
	if actor, ok := r.cache.Get(row.EntityID); ok {
		return &actor, nil
	}

	strategies := []struct {
		name string
		fn   func(context.Context, scan.LogRow) (*Actor, error)
	}{
		{"same_tx", r.sameTransaction},
		{"live_probe", r.liveProbe},
		{"backscan", r.backscan},
	}

	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		actor, err := strategy.fn(ctx, row)
		if err != nil {
			r.logger.Debug("attribution strategy failed",
				zap.String("strategy", strategy.name),
				zap.Uint64("entity", row.EntityID),
				zap.Error(err))
			continue
		}
		if actor != nil {
			r.cache.Put(row.EntityID, *actor)
			r.logger.Debug("entity attributed",
				zap.String("strategy", strategy.name),
				zap.Uint64("entity", row.EntityID),
				zap.Uint64("actor", actor.ID))
			return actor, nil
		}
	}

	return nil, nil
}

// sameTransaction scans the receipt of the log that produced the entity for
// a structurally related record: a claim carrying the actor id directly, or
// a transfer whose recipient address can be exchanged for an actor. The
// candidate is confirmed by a membership check before it is accepted.
func (r *Resolver) sameTransaction(ctx context.Context, row scan.LogRow) (*Actor, error) {
	receipt, err := r.registry.TransactionReceipt(ctx, row.TxHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}

	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		candidate, err := r.candidateFromLog(ctx, *log, row.EntityID)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			continue
		}

		linked, err := r.registry.IsCompanionOf(ctx, candidate.ID, row.EntityID)
		if err != nil {
			return nil, err
		}
		if linked {
			return candidate, nil
		}
	}

	return nil, nil
}

// liveProbe enumerates a bounded snapshot of currently active actors and
// accepts the first whose companion list contains the entity.
func (r *Resolver) liveProbe(ctx context.Context, row scan.LogRow) (*Actor, error) {
	actors, err := r.registry.ActiveActors(ctx, r.cfg.LiveProbeCap)
	if err != nil {
		return nil, err
	}

	for i := range actors {
		companions, err := r.registry.ActorCompanions(ctx, actors[i].ID)
		if err != nil {
			return nil, err
		}
		for _, id := range companions {
			if id == row.EntityID {
				return &actors[i], nil
			}
		}
	}

	return nil, nil
}

// backscan inspects a bounded window of blocks preceding the entity's
// creation block for related prior events, in ascending order, and accepts
// the first candidate that passes the membership check.
func (r *Resolver) backscan(ctx context.Context, row scan.LogRow) (*Actor, error) {
	if row.Block <= 1 {
		return nil, nil
	}

	to := row.Block - 1
	from := uint64(0)
	if to > r.cfg.BackscanWindow {
		from = to - r.cfg.BackscanWindow + 1
	}

	topics := [][]common.Hash{{scan.EventSigCompanionClaimed, scan.EventSigTransfer}}
	logs, err := r.registry.FilterLogs(ctx, from, to, r.cfg.RegistryAddress, topics)
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})

	for _, log := range logs {
		candidate, err := r.candidateFromLog(ctx, log, row.EntityID)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			continue
		}

		linked, err := r.registry.IsCompanionOf(ctx, candidate.ID, row.EntityID)
		if err != nil {
			return nil, err
		}
		if linked {
			return candidate, nil
		}
	}

	return nil, nil
}

// candidateFromLog extracts an actor candidate from a claim or transfer
// record concerning entityID. Returns nil when the record is unrelated or
// resolves to no actor.
func (r *Resolver) candidateFromLog(ctx context.Context, log ethtypes.Log, entityID uint64) (*Actor, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	switch log.Topics[0] {
	case scan.EventSigCompanionClaimed:
		// CompanionClaimed(uint256 indexed actorId, uint256 indexed companionId)
		if len(log.Topics) != 3 {
			return nil, nil
		}
		companion, ok := topicUint64(log.Topics[2])
		if !ok || companion != entityID {
			return nil, nil
		}
		actorID, ok := topicUint64(log.Topics[1])
		if !ok {
			return nil, nil
		}
		return r.registry.ActorByID(ctx, actorID)

	case scan.EventSigTransfer:
		// Transfer(address indexed from, address indexed to, uint256 indexed tokenId)
		if len(log.Topics) != 4 {
			return nil, nil
		}
		token, ok := topicUint64(log.Topics[3])
		if !ok || token != entityID {
			return nil, nil
		}
		to := common.BytesToAddress(log.Topics[2].Bytes()[12:])
		if to == (common.Address{}) {
			return nil, nil
		}
		return r.registry.ActorByAddress(ctx, to)
	}

	return nil, nil
}

func topicUint64(topic common.Hash) (uint64, bool) {
	for _, b := range topic.Bytes()[:24] {
		if b != 0 {
			return 0, false
		}
	}
	var v uint64
	for _, b := range topic.Bytes()[24:] {
		v = v<<8 | uint64(b)
	}
	return v, true
}
