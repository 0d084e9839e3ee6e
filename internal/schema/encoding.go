// Package schema provides the L1 typed views over the L0 kv.Database
// described in spec §4.2: namespaced point maps and multi-value ordered
// maps, using fixed-width big-endian encoders so lexicographic byte order
// equals numeric order.
package schema

import "encoding/binary"

// EncodeUint64 packs v as an 8-byte big-endian key component.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeInt64 packs a signed depth/counter so that negative values still
// sort correctly: flip the sign bit, matching the standard big-endian
// trick for order-preserving signed encodings.
func EncodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	return EncodeUint64(u)
}

// DecodeInt64 is the inverse of EncodeInt64.
func DecodeInt64(b []byte) int64 {
	u := DecodeUint64(b) ^ (1 << 63)
	return int64(u)
}

// JoinKey concatenates key components with a 0x00 separator the way the
// teacher's storage layer composes composite SQL keys, generalized to a
// flat byte-key namespace. Components must not themselves contain 0x00.
func JoinKey(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p) + 1
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
		out = append(out, 0x00)
	}
	return out
}
