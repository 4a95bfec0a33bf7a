package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// callHandler answers eth_call by dispatching on the 4-byte selector and
// returning ABI-encoded outputs for the matched method.
func callHandler(t *testing.T, outputs map[string][]any) methodHandler {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(GameRegistryABI))
	require.NoError(t, err)

	return func(params json.RawMessage) (json.RawMessage, *jrpcError) {
		var args []json.RawMessage
		if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
			return nil, &jrpcError{Code: -32602, Message: "bad params"}
		}
		var msg struct {
			Data  hexutil.Bytes `json:"data"`
			Input hexutil.Bytes `json:"input"`
		}
		if err := json.Unmarshal(args[0], &msg); err != nil {
			return nil, &jrpcError{Code: -32602, Message: "bad call data"}
		}
		callData := msg.Data
		if len(callData) == 0 {
			callData = msg.Input
		}
		if len(callData) < 4 {
			return nil, &jrpcError{Code: -32602, Message: "bad call data"}
		}

		method, err := parsed.MethodById(callData[:4])
		if err != nil {
			return nil, &jrpcError{Code: -32000, Message: "unknown selector"}
		}
		values, ok := outputs[method.Name]
		if !ok {
			return nil, &jrpcError{Code: -32000, Message: "no handler for " + method.Name}
		}
		encoded, err := method.Outputs.Pack(values...)
		if err != nil {
			return nil, &jrpcError{Code: -32000, Message: err.Error()}
		}
		return json.RawMessage(fmt.Sprintf(`"0x%x"`, encoded)), nil
	}
}

func newTestRegistry(t *testing.T, outputs map[string][]any) *Registry {
	t.Helper()
	c := newTestClient(t, map[string]methodHandler{
		"eth_call": callHandler(t, outputs),
	})
	registry, err := NewRegistry(c, registryAddr, zap.NewNop())
	require.NoError(t, err)
	return registry
}

func TestNewRegistry(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		_, err := NewRegistry(nil, registryAddr, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("empty address", func(t *testing.T) {
		c := newTestClient(t, nil)
		_, err := NewRegistry(c, common.Address{}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("success", func(t *testing.T) {
		c := newTestClient(t, nil)
		registry, err := NewRegistry(c, registryAddr, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, registryAddr, registry.Address())
	})
}

func TestRegistry_GetCompanion(t *testing.T) {
	registry := newTestRegistry(t, map[string][]any{
		"getCompanion": {uint32(7), uint8(3), "ember fox"},
	})

	companion, err := registry.GetCompanion(context.Background(), 34)
	require.NoError(t, err)
	assert.Equal(t, uint64(34), companion.ID)
	assert.Equal(t, uint32(7), companion.Species)
	assert.Equal(t, uint8(3), companion.Level)
	assert.Equal(t, "ember fox", companion.Name)
}

func TestRegistry_ActorByID(t *testing.T) {
	wallet := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	t.Run("found", func(t *testing.T) {
		registry := newTestRegistry(t, map[string][]any{
			"actorById": {wallet, "kael"},
		})
		actor, err := registry.ActorByID(context.Background(), 9)
		require.NoError(t, err)
		require.NotNil(t, actor)
		assert.Equal(t, uint64(9), actor.ID)
		assert.Equal(t, "kael", actor.Name)
		assert.Equal(t, wallet, actor.Address)
	})

	t.Run("zero wallet means missing", func(t *testing.T) {
		registry := newTestRegistry(t, map[string][]any{
			"actorById": {common.Address{}, ""},
		})
		actor, err := registry.ActorByID(context.Background(), 9)
		require.NoError(t, err)
		assert.Nil(t, actor)
	})
}

func TestRegistry_ActorByAddress(t *testing.T) {
	wallet := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	t.Run("found", func(t *testing.T) {
		registry := newTestRegistry(t, map[string][]any{
			"actorByAddress": {big.NewInt(9), "kael"},
		})
		actor, err := registry.ActorByAddress(context.Background(), wallet)
		require.NoError(t, err)
		require.NotNil(t, actor)
		assert.Equal(t, uint64(9), actor.ID)
	})

	t.Run("zero id means missing", func(t *testing.T) {
		registry := newTestRegistry(t, map[string][]any{
			"actorByAddress": {big.NewInt(0), ""},
		})
		actor, err := registry.ActorByAddress(context.Background(), wallet)
		require.NoError(t, err)
		assert.Nil(t, actor)
	})
}

func TestRegistry_ActorCompanions(t *testing.T) {
	registry := newTestRegistry(t, map[string][]any{
		"actorCompanions": {[]*big.Int{big.NewInt(34), big.NewInt(35)}},
	})

	ids, err := registry.ActorCompanions(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []uint64{34, 35}, ids)
}

func TestRegistry_IsCompanionOf(t *testing.T) {
	registry := newTestRegistry(t, map[string][]any{
		"isCompanionOf": {true},
	})

	linked, err := registry.IsCompanionOf(context.Background(), 9, 34)
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestRegistry_SummonQueue(t *testing.T) {
	registry := newTestRegistry(t, map[string][]any{
		"summonQueue": {[]*big.Int{big.NewInt(51), big.NewInt(52), big.NewInt(53)}},
	})

	ids, err := registry.SummonQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{51, 52, 53}, ids)
}

func TestRegistry_ActiveActors(t *testing.T) {
	t.Run("non-positive limit", func(t *testing.T) {
		registry := newTestRegistry(t, nil)
		actors, err := registry.ActiveActors(context.Background(), 0)
		require.NoError(t, err)
		assert.Nil(t, actors)
	})

	t.Run("snapshot", func(t *testing.T) {
		registry := newTestRegistry(t, map[string][]any{
			"activeActors": {
				[]*big.Int{big.NewInt(9), big.NewInt(12)},
				[]common.Address{
					common.HexToAddress("0x0b0b"),
					common.HexToAddress("0x0c0c"),
				},
				[]string{"kael", "mira"},
			},
		})
		actors, err := registry.ActiveActors(context.Background(), 50)
		require.NoError(t, err)
		require.Len(t, actors, 2)
		assert.Equal(t, uint64(9), actors[0].ID)
		assert.Equal(t, "mira", actors[1].Name)
	})
}
