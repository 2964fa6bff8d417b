package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/scout/internal/util"
)

func TestChecksum_RoundTrip(t *testing.T) {
	record := util.AppendChecksum([]byte(`{"status":"COMMITTED_LOCAL"}`))
	require.Len(t, record, len(`{"status":"COMMITTED_LOCAL"}`)+util.ChecksumSize)

	data, ok := util.ValidateAndStripChecksum(record)
	assert.True(t, ok)
	assert.Equal(t, `{"status":"COMMITTED_LOCAL"}`, string(data))
}

func TestChecksum_DetectsCorruption(t *testing.T) {
	record := util.AppendChecksum([]byte("payload"))
	record[2] ^= 0xff

	_, ok := util.ValidateAndStripChecksum(record)
	assert.False(t, ok)

	_, ok = util.ValidateAndStripChecksum([]byte{1, 2})
	assert.False(t, ok)
}

func TestChecksum_DoesNotAliasInput(t *testing.T) {
	data := make([]byte, 3, 64)
	copy(data, "abc")
	record := util.AppendChecksum(data)
	record[0] = 'z'
	assert.Equal(t, "abc", string(data))
}
