// Package scan retrieves raw ledger log records in block-range batches,
// decodes them into typed rows, and establishes the total order the watcher
// delivers them in.
package scan

import "fmt"

// Cursor marks a subscriber's progress through one event stream. The total
// order is lexicographic over (Block, TxIndex, LogIndex).
type Cursor struct {
	Block    uint64 `json:"block"`
	TxIndex  uint   `json:"txIndex"`
	LogIndex uint   `json:"logIndex"`
}

// Compare returns -1, 0, or 1 as c orders before, equal to, or after other.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Block != other.Block:
		if c.Block < other.Block {
			return -1
		}
		return 1
	case c.TxIndex != other.TxIndex:
		if c.TxIndex < other.TxIndex {
			return -1
		}
		return 1
	case c.LogIndex != other.LogIndex:
		if c.LogIndex < other.LogIndex {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether c orders strictly before other.
func (c Cursor) Less(other Cursor) bool {
	return c.Compare(other) < 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.Block, c.TxIndex, c.LogIndex)
}
