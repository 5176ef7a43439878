package util

import (
	"encoding/binary"

	"braces.dev/errtrace"

	"github.com/rtckit/siptx/internal/errorutil"
)

const errShortBuffer errorutil.Error = "short buffer"

// SizePrefixedString returns the encoded size of a length-prefixed string.
func SizePrefixedString(s string) int {
	return binary.MaxVarintLen64 + len(s)
}

// SizeUVarInt returns the maximum encoded size of an unsigned varint.
func SizeUVarInt(uint64) int { return binary.MaxVarintLen64 }

// AppendPrefixedString appends a length-prefixed string to buf.
func AppendPrefixedString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// AppendUVarInt appends an unsigned varint to buf.
func AppendUVarInt(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// ConsumePrefixedString reads a length-prefixed string from data and
// returns the string together with the remaining bytes.
func ConsumePrefixedString(data []byte) (string, []byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < size {
		return "", data, errtrace.Wrap(errShortBuffer)
	}
	return string(data[n : n+int(size)]), data[n+int(size):], nil
}

// ConsumeUVarInt reads an unsigned varint from data and returns the value
// together with the remaining bytes.
func ConsumeUVarInt(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, data, errtrace.Wrap(errShortBuffer)
	}
	return v, data[n:], nil
}
