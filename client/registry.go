package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/attribution"
)

// GameRegistryABI covers the read surface the watcher needs from the game
// registry contract: companion lookups for card hydration and actor lookups
// for attribution.
const GameRegistryABI = `[
	{
		"inputs": [{"internalType": "uint256", "name": "companionId", "type": "uint256"}],
		"name": "getCompanion",
		"outputs": [
			{"internalType": "uint32", "name": "species", "type": "uint32"},
			{"internalType": "uint8", "name": "level", "type": "uint8"},
			{"internalType": "string", "name": "name", "type": "string"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "actorId", "type": "uint256"}],
		"name": "actorById",
		"outputs": [
			{"internalType": "address", "name": "wallet", "type": "address"},
			{"internalType": "string", "name": "name", "type": "string"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "wallet", "type": "address"}],
		"name": "actorByAddress",
		"outputs": [
			{"internalType": "uint256", "name": "actorId", "type": "uint256"},
			{"internalType": "string", "name": "name", "type": "string"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "actorId", "type": "uint256"}],
		"name": "actorCompanions",
		"outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "actorId", "type": "uint256"},
			{"internalType": "uint256", "name": "companionId", "type": "uint256"}
		],
		"name": "isCompanionOf",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "summonQueue",
		"outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "limit", "type": "uint256"}],
		"name": "activeActors",
		"outputs": [
			{"internalType": "uint256[]", "name": "ids", "type": "uint256[]"},
			{"internalType": "address[]", "name": "wallets", "type": "address[]"},
			{"internalType": "string[]", "name": "names", "type": "string[]"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// CompanionInfo is the registry's view of one companion, used to hydrate
// notification cards.
type CompanionInfo struct {
	ID      uint64
	Species uint32
	Level   uint8
	Name    string
}

// Registry is the typed binding over the game registry contract. It
// implements the attribution resolver's registry interface.
type Registry struct {
	client  *Client
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewRegistry builds a Registry binding at the given contract address.
func NewRegistry(client *Client, address common.Address, logger *zap.Logger) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("registry address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parsedABI, err := abi.JSON(strings.NewReader(GameRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	return &Registry{
		client:  client,
		address: address,
		abi:     parsedABI,
		logger:  logger.Named("registry"),
	}, nil
}

// Address returns the bound contract address.
func (r *Registry) Address() common.Address {
	return r.address
}

// TransactionReceipt delegates to the wrapped client.
func (r *Registry) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return r.client.TransactionReceipt(ctx, txHash)
}

// FilterLogs delegates to the wrapped client.
func (r *Registry) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topics [][]common.Hash) ([]types.Log, error) {
	return r.client.FilterLogs(ctx, fromBlock, toBlock, address, topics)
}

func (r *Registry) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.address,
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%s returned no data", method)
	}

	values, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return values, nil
}

// GetCompanion fetches the companion record for card hydration.
func (r *Registry) GetCompanion(ctx context.Context, companionID uint64) (*CompanionInfo, error) {
	values, err := r.view(ctx, "getCompanion", new(big.Int).SetUint64(companionID))
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("getCompanion returned %d values", len(values))
	}

	species, ok := values[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("getCompanion: unexpected species type %T", values[0])
	}
	level, ok := values[1].(uint8)
	if !ok {
		return nil, fmt.Errorf("getCompanion: unexpected level type %T", values[1])
	}
	name, ok := values[2].(string)
	if !ok {
		return nil, fmt.Errorf("getCompanion: unexpected name type %T", values[2])
	}

	return &CompanionInfo{
		ID:      companionID,
		Species: species,
		Level:   level,
		Name:    name,
	}, nil
}

// ActorByID looks an actor up by its registry id.
func (r *Registry) ActorByID(ctx context.Context, actorID uint64) (*attribution.Actor, error) {
	values, err := r.view(ctx, "actorById", new(big.Int).SetUint64(actorID))
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("actorById returned %d values", len(values))
	}

	wallet, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("actorById: unexpected wallet type %T", values[0])
	}
	name, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("actorById: unexpected name type %T", values[1])
	}
	if wallet == (common.Address{}) {
		return nil, nil
	}

	return &attribution.Actor{ID: actorID, Name: name, Address: wallet}, nil
}

// ActorByAddress looks an actor up by wallet address.
func (r *Registry) ActorByAddress(ctx context.Context, addr common.Address) (*attribution.Actor, error) {
	values, err := r.view(ctx, "actorByAddress", addr)
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("actorByAddress returned %d values", len(values))
	}

	id, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("actorByAddress: unexpected id type %T", values[0])
	}
	name, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("actorByAddress: unexpected name type %T", values[1])
	}
	if id.Sign() == 0 {
		return nil, nil
	}

	return &attribution.Actor{ID: id.Uint64(), Name: name, Address: addr}, nil
}

// ActorCompanions returns the companion ids owned by the actor.
func (r *Registry) ActorCompanions(ctx context.Context, actorID uint64) ([]uint64, error) {
	values, err := r.view(ctx, "actorCompanions", new(big.Int).SetUint64(actorID))
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("actorCompanions returned %d values", len(values))
	}

	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("actorCompanions: unexpected type %T", values[0])
	}

	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// IsCompanionOf reports whether the actor currently owns the companion.
func (r *Registry) IsCompanionOf(ctx context.Context, actorID, entityID uint64) (bool, error) {
	values, err := r.view(ctx, "isCompanionOf",
		new(big.Int).SetUint64(actorID), new(big.Int).SetUint64(entityID))
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("isCompanionOf returned %d values", len(values))
	}

	linked, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isCompanionOf: unexpected type %T", values[0])
	}
	return linked, nil
}

// SummonQueue returns a snapshot of the entity ids currently waiting in the
// summon queue.
func (r *Registry) SummonQueue(ctx context.Context) ([]uint64, error) {
	values, err := r.view(ctx, "summonQueue")
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("summonQueue returned %d values", len(values))
	}

	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("summonQueue: unexpected type %T", values[0])
	}

	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// ActiveActors returns a bounded snapshot of currently active actors.
func (r *Registry) ActiveActors(ctx context.Context, limit int) ([]attribution.Actor, error) {
	if limit <= 0 {
		return nil, nil
	}

	values, err := r.view(ctx, "activeActors", big.NewInt(int64(limit)))
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("activeActors returned %d values", len(values))
	}

	ids, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("activeActors: unexpected ids type %T", values[0])
	}
	wallets, ok := values[1].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("activeActors: unexpected wallets type %T", values[1])
	}
	names, ok := values[2].([]string)
	if !ok {
		return nil, fmt.Errorf("activeActors: unexpected names type %T", values[2])
	}
	if len(ids) != len(wallets) || len(ids) != len(names) {
		return nil, fmt.Errorf("activeActors: mismatched result lengths")
	}

	actors := make([]attribution.Actor, 0, len(ids))
	for i := range ids {
		actors = append(actors, attribution.Actor{
			ID:      ids[i].Uint64(),
			Name:    names[i],
			Address: wallets[i],
		})
	}
	return actors, nil
}
