package attribution

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

type fakeRegistry struct {
	receipts     map[common.Hash]*ethtypes.Receipt
	logs         []ethtypes.Log
	actorsByID   map[uint64]*Actor
	actorsByAddr map[common.Address]*Actor
	companions   map[uint64][]uint64 // actorID -> companion ids
	active       []Actor

	receiptCalls int
	filterCalls  int
	filterFrom   uint64
	filterTo     uint64
	err          error
}

func (f *fakeRegistry) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	f.receiptCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.receipts[txHash], nil
}

func (f *fakeRegistry) FilterLogs(ctx context.Context, from, to uint64, address common.Address, topics [][]common.Hash) ([]ethtypes.Log, error) {
	f.filterCalls++
	f.filterFrom, f.filterTo = from, to
	var out []ethtypes.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ActorByID(ctx context.Context, actorID uint64) (*Actor, error) {
	return f.actorsByID[actorID], nil
}

func (f *fakeRegistry) ActorByAddress(ctx context.Context, addr common.Address) (*Actor, error) {
	return f.actorsByAddr[addr], nil
}

func (f *fakeRegistry) ActorCompanions(ctx context.Context, actorID uint64) ([]uint64, error) {
	return f.companions[actorID], nil
}

func (f *fakeRegistry) IsCompanionOf(ctx context.Context, actorID, entityID uint64) (bool, error) {
	for _, id := range f.companions[actorID] {
		if id == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRegistry) ActiveActors(ctx context.Context, limit int) ([]Actor, error) {
	if limit < len(f.active) {
		return f.active[:limit], nil
	}
	return f.active, nil
}

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func transferLog(block uint64, to common.Address, tokenID uint64) ethtypes.Log {
	return ethtypes.Log{
		BlockNumber: block,
		Topics: []common.Hash{
			scan.EventSigTransfer,
			addrTopic(common.HexToAddress("0x1")),
			addrTopic(to),
			idTopic(tokenID),
		},
	}
}

func claimLog(block uint64, actorID, companionID uint64) ethtypes.Log {
	return ethtypes.Log{
		BlockNumber: block,
		Topics:      []common.Hash{scan.EventSigCompanionClaimed, idTopic(actorID), idTopic(companionID)},
	}
}

func newResolver(reg *fakeRegistry, cache *Cache) *Resolver {
	if cache == nil {
		cache = NewCache(time.Minute, 0)
	}
	return NewResolver(reg, cache, Config{LiveProbeCap: 10, BackscanWindow: 100}, zap.NewNop())
}

func bondRow(block, hero, companion uint64, txHash common.Hash) scan.LogRow {
	return scan.LogRow{
		Block:     block,
		TxHash:    txHash,
		Family:    scan.FamilyBond,
		SubjectID: hero,
		EntityID:  companion,
	}
}

func TestResolveCacheHitShortCircuits(t *testing.T) {
	reg := &fakeRegistry{}
	cache := NewCache(time.Minute, 0)
	cache.Put(34, Actor{ID: 5, Name: "mira"})
	r := newResolver(reg, cache)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, common.HexToHash("0xaa")))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(5), actor.ID)
	assert.Zero(t, reg.receiptCalls, "cache hit must not touch the chain")
}

func TestResolveSameTransactionViaTransfer(t *testing.T) {
	owner := common.HexToAddress("0xbeef")
	txHash := common.HexToHash("0xaa")
	reg := &fakeRegistry{
		receipts: map[common.Hash]*ethtypes.Receipt{
			txHash: {Logs: []*ethtypes.Log{ptr(transferLog(100, owner, 34))}},
		},
		actorsByAddr: map[common.Address]*Actor{
			owner: {ID: 9, Name: "kael", Address: owner},
		},
		companions: map[uint64][]uint64{9: {34}},
	}
	cache := NewCache(time.Minute, 0)
	r := newResolver(reg, cache)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, txHash))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(9), actor.ID)

	cached, ok := cache.Get(34)
	require.True(t, ok, "resolution populates the shared cache")
	assert.Equal(t, uint64(9), cached.ID)
}

func TestResolveSameTransactionViaClaim(t *testing.T) {
	txHash := common.HexToHash("0xbb")
	reg := &fakeRegistry{
		receipts: map[common.Hash]*ethtypes.Receipt{
			txHash: {Logs: []*ethtypes.Log{ptr(claimLog(100, 7, 34))}},
		},
		actorsByID: map[uint64]*Actor{7: {ID: 7, Name: "nyx"}},
		companions: map[uint64][]uint64{7: {34}},
	}
	r := newResolver(reg, nil)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, txHash))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(7), actor.ID)
}

func TestResolveRejectsUnconfirmedCandidate(t *testing.T) {
	// The receipt names an actor, but the membership check disproves the
	// join; the live probe then finds the real owner.
	owner := common.HexToAddress("0xbeef")
	txHash := common.HexToHash("0xcc")
	reg := &fakeRegistry{
		receipts: map[common.Hash]*ethtypes.Receipt{
			txHash: {Logs: []*ethtypes.Log{ptr(transferLog(100, owner, 34))}},
		},
		actorsByAddr: map[common.Address]*Actor{
			owner: {ID: 9, Name: "kael"},
		},
		active:     []Actor{{ID: 11, Name: "vess"}},
		companions: map[uint64][]uint64{11: {34}},
	}
	r := newResolver(reg, nil)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, txHash))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(11), actor.ID)
}

func TestResolveBackscanFindsEarlierClaim(t *testing.T) {
	// Same-transaction and live probe both miss; the backscan finds a claim
	// 50 blocks before the creation block.
	reg := &fakeRegistry{
		logs:       []ethtypes.Log{claimLog(50, 7, 34)},
		actorsByID: map[uint64]*Actor{7: {ID: 7, Name: "nyx"}},
		companions: map[uint64][]uint64{7: {34}},
	}
	cache := NewCache(time.Minute, 0)
	r := newResolver(reg, cache)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, common.HexToHash("0xdd")))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(7), actor.ID)
	assert.Equal(t, 1, reg.filterCalls)
	assert.Equal(t, uint64(99), reg.filterTo, "backscan ends just before the creation block")

	_, ok := cache.Get(34)
	assert.True(t, ok, "backscan result reused by other families via the cache")
}

func TestResolveBackscanPrefersChronologicalOrder(t *testing.T) {
	reg := &fakeRegistry{
		logs: []ethtypes.Log{
			claimLog(80, 8, 34),
			claimLog(60, 7, 34),
		},
		actorsByID: map[uint64]*Actor{7: {ID: 7}, 8: {ID: 8}},
		companions: map[uint64][]uint64{7: {34}, 8: {34}},
	}
	r := newResolver(reg, nil)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, common.HexToHash("0xee")))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(7), actor.ID, "first match in chronological order wins")
}

func TestResolveAllStrategiesMiss(t *testing.T) {
	reg := &fakeRegistry{}
	r := newResolver(reg, nil)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, common.HexToHash("0xff")))
	require.NoError(t, err)
	assert.Nil(t, actor, "unresolved join is a miss, not an error")
}

func TestResolveStrategyErrorEscalates(t *testing.T) {
	// Receipt lookups fail outright; the live probe still resolves.
	reg := &fakeRegistry{
		err:        errors.New("receipt unavailable"),
		active:     []Actor{{ID: 11}},
		companions: map[uint64][]uint64{11: {34}},
	}
	r := newResolver(reg, nil)

	actor, err := r.Resolve(context.Background(), bondRow(100, 12, 34, common.HexToHash("0x11")))
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, uint64(11), actor.ID)
}

func TestResolveHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newResolver(&fakeRegistry{}, nil)
	_, err := r.Resolve(ctx, bondRow(100, 12, 34, common.HexToHash("0x12")))
	assert.ErrorIs(t, err, context.Canceled)
}

func ptr(log ethtypes.Log) *ethtypes.Log {
	return &log
}
