// Package testutil holds shared test helpers.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger builds a zap logger that routes through t.Log, so output only
// surfaces for failing tests or under -v.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}
