package storesql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(Schema)
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		require.NotEmpty(t, stmt)
		require.False(t, strings.HasSuffix(stmt, ";"))
	}
	// One statement per table plus the indexes.
	require.Len(t, stmts, 5)
	require.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS data_item_attributes"))
}

func TestNullString(t *testing.T) {
	require.False(t, nullString("").Valid)
	ns := nullString("x")
	require.True(t, ns.Valid)
	require.Equal(t, "x", ns.String)
}
