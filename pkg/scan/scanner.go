package scan

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// LogSource issues getLogs queries. The concrete client retries transient
// failures internally, so a returned error means the batch is lost for this
// tick.
type LogSource interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topics [][]common.Hash) ([]types.Log, error)
}

// Config holds scanner settings.
type Config struct {
	// Registry is the game registry contract emitting all watched events.
	Registry common.Address

	// BatchSize is the maximum block span of a single getLogs query.
	BatchSize uint64
}

// Scanner fetches, decodes, and orders log rows for one event family.
type Scanner struct {
	source LogSource
	cfg    Config
	logger *zap.Logger
}

// NewScanner builds a Scanner.
func NewScanner(source LogSource, cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	return &Scanner{
		source: source,
		cfg:    cfg,
		logger: logger.Named("scan"),
	}
}

// Scan fetches all rows of the family in [from, to], batched by block range,
// decoded, and sorted ascending by (block, txIndex, logIndex). Structurally
// invalid records are skipped. When rowCap > 0 the result is trimmed to the
// most recent rowCap rows (best-effort backfill, not an authoritative range).
func (s *Scanner) Scan(ctx context.Context, family Family, from, to uint64, rowCap int) ([]LogRow, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("unknown family %q", family)
	}

	ranges, err := SplitRange(from, to, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	topics := family.Topics()
	rows := make([]LogRow, 0)
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logs, err := s.source.FilterLogs(ctx, blockRange.From, blockRange.To, s.cfg.Registry, topics)
		if err != nil {
			return nil, fmt.Errorf("filter logs [%d,%d]: %w", blockRange.From, blockRange.To, err)
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}
			row, err := DecodeRow(family, log)
			if err != nil {
				s.logger.Debug("skipping malformed log record",
					zap.String("family", string(family)),
					zap.Error(err))
				continue
			}
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Cursor().Less(rows[j].Cursor())
	})

	if rowCap > 0 && len(rows) > rowCap {
		rows = rows[len(rows)-rowCap:]
	}

	return rows, nil
}

// FilterAfter returns the rows strictly after the cursor, preserving order.
func FilterAfter(rows []LogRow, cursor Cursor) []LogRow {
	out := make([]LogRow, 0, len(rows))
	for _, row := range rows {
		if cursor.Less(row.Cursor()) {
			out = append(out, row)
		}
	}
	return out
}
