package scan

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func spawnLog(block uint64, txIndex, logIndex uint, entityID uint64) types.Log {
	return types.Log{
		BlockNumber: block,
		TxIndex:     txIndex,
		Index:       logIndex,
		TxHash:      common.HexToHash("0xabc1"),
		Topics:      []common.Hash{EventSigCompanionSpawned, idTopic(entityID)},
	}
}

func TestDecodeSpawnRow(t *testing.T) {
	row, err := DecodeRow(FamilySpawn, spawnLog(101, 0, 0, 777))
	require.NoError(t, err)

	assert.Equal(t, uint64(101), row.Block)
	assert.Equal(t, uint64(777), row.EntityID)
	assert.Equal(t, uint64(777), row.SubjectID)
	assert.Equal(t, FamilySpawn, row.Family)
	assert.Equal(t, Cursor{Block: 101, TxIndex: 0, LogIndex: 0}, row.Cursor())
}

func TestDecodeBondRow(t *testing.T) {
	log := types.Log{
		BlockNumber: 200,
		TxIndex:     3,
		Index:       7,
		Topics:      []common.Hash{EventSigCompanionBonded, idTopic(12), idTopic(34)},
	}

	row, err := DecodeRow(FamilyBond, log)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), row.SubjectID, "subject is the hero")
	assert.Equal(t, uint64(34), row.EntityID, "entity is the companion")
}

func TestDecodeQueueRows(t *testing.T) {
	joined := types.Log{
		BlockNumber: 50,
		Topics:      []common.Hash{EventSigQueueJoined, idTopic(9), idTopic(2)},
	}
	row, err := DecodeRow(FamilyQueue, joined)
	require.NoError(t, err)
	assert.Equal(t, "joined", row.Payload["action"])
	assert.Equal(t, "2", row.Payload["slot"])

	left := types.Log{
		BlockNumber: 51,
		Topics:      []common.Hash{EventSigQueueLeft, idTopic(9)},
	}
	row, err = DecodeRow(FamilyQueue, left)
	require.NoError(t, err)
	assert.Equal(t, "left", row.Payload["action"])
}

func TestDecodeRejectsStructuralFailures(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		log    types.Log
	}{
		{"no topics", FamilySpawn, types.Log{}},
		{"wrong signature", FamilySpawn, types.Log{
			Topics: []common.Hash{EventSigCompanionBonded, idTopic(1), idTopic(2)},
		}},
		{"wrong arity", FamilyBond, types.Log{
			Topics: []common.Hash{EventSigCompanionBonded, idTopic(1)},
		}},
		{"oversized id", FamilySpawn, types.Log{
			Topics: []common.Hash{EventSigCompanionSpawned, common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")},
		}},
		{"unknown family", Family("nope"), types.Log{
			Topics: []common.Hash{EventSigCompanionSpawned, idTopic(1)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRow(tt.family, tt.log)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestFamilyTopics(t *testing.T) {
	for _, family := range Families() {
		assert.True(t, family.Valid())
		assert.NotEmpty(t, family.Topics())
	}
	assert.Nil(t, Family("bogus").Topics())
}
