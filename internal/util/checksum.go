package util

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// ChecksumSize is the length of the trailer written by AppendChecksum
const ChecksumSize = 8

// ComputeChecksum returns the xxhash64 digest of data
func ComputeChecksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// ValidateChecksum reports whether data hashes to expected
func ValidateChecksum(data []byte, expected uint64) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns data followed by its little-endian digest.
// Format: [data][checksum (8 bytes)]
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data), len(data)+ChecksumSize)
	copy(out, data)
	return binary.LittleEndian.AppendUint64(out, ComputeChecksum(data))
}

// ValidateAndStripChecksum splits a record written by AppendChecksum and
// reports whether the digest matches
func ValidateAndStripChecksum(record []byte) ([]byte, bool) {
	if len(record) < ChecksumSize {
		return nil, false
	}
	n := len(record) - ChecksumSize
	data := record[:n]
	return data, ValidateChecksum(data, binary.LittleEndian.Uint64(record[n:]))
}
