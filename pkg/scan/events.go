package scan

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Family identifies one independent class of domain event. Each family has
// its own cursor per subscriber and its own scan logic.
type Family string

const (
	// FamilySpawn tracks companion creation events.
	FamilySpawn Family = "spawn"

	// FamilyBond tracks ownership-establishing hero/companion bonds.
	FamilyBond Family = "bond"

	// FamilyQueue tracks summon-queue membership changes.
	FamilyQueue Family = "queue"
)

// Event signatures emitted by the game registry contract.
var (
	EventSigCompanionSpawned = crypto.Keccak256Hash([]byte("CompanionSpawned(uint256)"))
	EventSigCompanionBonded  = crypto.Keccak256Hash([]byte("CompanionBonded(uint256,uint256)"))
	EventSigCompanionClaimed = crypto.Keccak256Hash([]byte("CompanionClaimed(uint256,uint256)"))
	EventSigQueueJoined      = crypto.Keccak256Hash([]byte("SummonQueueJoined(uint256,uint256)"))
	EventSigQueueLeft        = crypto.Keccak256Hash([]byte("SummonQueueLeft(uint256)"))
	EventSigTransfer         = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Families returns all watcher families.
func Families() []Family {
	return []Family{FamilySpawn, FamilyBond, FamilyQueue}
}

// Topics returns the topic0 filter for the family's getLogs queries.
func (f Family) Topics() [][]common.Hash {
	switch f {
	case FamilySpawn:
		return [][]common.Hash{{EventSigCompanionSpawned}}
	case FamilyBond:
		return [][]common.Hash{{EventSigCompanionBonded}}
	case FamilyQueue:
		return [][]common.Hash{{EventSigQueueJoined, EventSigQueueLeft}}
	}
	return nil
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilySpawn, FamilyBond, FamilyQueue:
		return true
	}
	return false
}

// LogRow is a decoded log record. SubjectID identifies the domain entity the
// record concerns directly (a hero for bonds, the companion itself
// otherwise); EntityID is always the companion the event is about. Rows are
// immutable once decoded; the ordering key is (Block, TxIndex, LogIndex).
type LogRow struct {
	Block     uint64
	TxIndex   uint
	LogIndex  uint
	TxHash    common.Hash
	Family    Family
	SubjectID uint64
	EntityID  uint64
	Payload   map[string]string
}

// Cursor returns the row's position in the stream's total order.
func (r LogRow) Cursor() Cursor {
	return Cursor{Block: r.Block, TxIndex: r.TxIndex, LogIndex: r.LogIndex}
}

// DecodeError marks a single structurally invalid record. The scanner skips
// such records instead of failing the whole scan.
type DecodeError struct {
	Reason string
	Log    types.Log
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s[%d]: %s", e.Log.TxHash.Hex(), e.Log.Index, e.Reason)
}

// DecodeRow decodes a raw log against the family's event shape.
func DecodeRow(family Family, log types.Log) (LogRow, error) {
	if len(log.Topics) == 0 {
		return LogRow{}, &DecodeError{Reason: "missing topics", Log: log}
	}

	row := LogRow{
		Block:    log.BlockNumber,
		TxIndex:  log.TxIndex,
		LogIndex: log.Index,
		TxHash:   log.TxHash,
		Family:   family,
	}

	sig := log.Topics[0]
	switch family {
	case FamilySpawn:
		if sig != EventSigCompanionSpawned {
			return LogRow{}, &DecodeError{Reason: "unexpected signature for spawn", Log: log}
		}
		if len(log.Topics) != 2 {
			return LogRow{}, &DecodeError{Reason: "spawn event wants 1 indexed id", Log: log}
		}
		id, err := topicID(log.Topics[1])
		if err != nil {
			return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
		}
		row.SubjectID = id
		row.EntityID = id

	case FamilyBond:
		if sig != EventSigCompanionBonded {
			return LogRow{}, &DecodeError{Reason: "unexpected signature for bond", Log: log}
		}
		if len(log.Topics) != 3 {
			return LogRow{}, &DecodeError{Reason: "bond event wants 2 indexed ids", Log: log}
		}
		hero, err := topicID(log.Topics[1])
		if err != nil {
			return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
		}
		companion, err := topicID(log.Topics[2])
		if err != nil {
			return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
		}
		row.SubjectID = hero
		row.EntityID = companion

	case FamilyQueue:
		switch sig {
		case EventSigQueueJoined:
			if len(log.Topics) != 3 {
				return LogRow{}, &DecodeError{Reason: "queue join event wants 2 indexed values", Log: log}
			}
			id, err := topicID(log.Topics[1])
			if err != nil {
				return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
			}
			slot, err := topicID(log.Topics[2])
			if err != nil {
				return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
			}
			row.SubjectID = id
			row.EntityID = id
			row.Payload = map[string]string{
				"action": "joined",
				"slot":   fmt.Sprintf("%d", slot),
			}
		case EventSigQueueLeft:
			if len(log.Topics) != 2 {
				return LogRow{}, &DecodeError{Reason: "queue leave event wants 1 indexed id", Log: log}
			}
			id, err := topicID(log.Topics[1])
			if err != nil {
				return LogRow{}, &DecodeError{Reason: err.Error(), Log: log}
			}
			row.SubjectID = id
			row.EntityID = id
			row.Payload = map[string]string{"action": "left"}
		default:
			return LogRow{}, &DecodeError{Reason: "unexpected signature for queue", Log: log}
		}

	default:
		return LogRow{}, &DecodeError{Reason: fmt.Sprintf("unknown family %q", family), Log: log}
	}

	return row, nil
}

// topicID decodes an indexed uint256 topic into a game id. Ids that do not
// fit uint64 are structural failures.
func topicID(topic common.Hash) (uint64, error) {
	v := new(big.Int).SetBytes(topic.Bytes())
	if !v.IsUint64() {
		return 0, fmt.Errorf("id %s does not fit uint64", v)
	}
	return v.Uint64(), nil
}
