package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatementType(t *testing.T) {
	assert := require.New(t)

	assert.Equal("select", statementType("\n\t\tselect\n\t\t\t*\n\t\tfrom device_type"))
	assert.Equal("insert", statementType("INSERT into device_type"))
	assert.Equal("unknown", statementType("  "))
}
