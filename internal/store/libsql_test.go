package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLStatementsStripCommentsAndSplit(t *testing.T) {
	script := `-- instances hold one row per run
CREATE TABLE a (id INTEGER);

-- covering index for status scans
CREATE INDEX idx_a ON a(id);
`
	stmts := sqlStatements(script)
	assert.Equal(t, []string{
		"CREATE TABLE a (id INTEGER)",
		"CREATE INDEX idx_a ON a(id)",
	}, stmts)
}

func TestSQLStatementsEmptyScript(t *testing.T) {
	assert.Empty(t, sqlStatements("-- nothing here\n"))
	assert.Empty(t, sqlStatements(""))
}
