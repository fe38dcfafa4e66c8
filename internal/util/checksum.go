package util

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/devrev/scaledb/internal/errors"
)

// ChecksumSize is the length of the trailer added by SealFrame.
const ChecksumSize = 4

// Castagnoli has hardware support on amd64 and arm64.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32-C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// SealFrame appends a big-endian CRC32-C trailer to payload. The payload
// slice may be reused by append.
func SealFrame(payload []byte) []byte {
	return binary.BigEndian.AppendUint32(payload, Checksum(payload))
}

// OpenFrame verifies the trailer of a sealed frame and returns the payload
// without it.
func OpenFrame(frame []byte) ([]byte, error) {
	if len(frame) < ChecksumSize {
		return nil, errors.CorruptedData("frame shorter than checksum trailer", nil).
			WithDetail("length", len(frame))
	}

	n := len(frame) - ChecksumSize
	payload := frame[:n]
	expected := binary.BigEndian.Uint32(frame[n:])
	if actual := Checksum(payload); actual != expected {
		return nil, errors.ChecksumFailed(expected, actual)
	}
	return payload, nil
}
