// Package shared holds small helpers with no better home, shared across
// the connection/session/link packages.
package shared

import (
	"crypto/rand"
	"encoding/binary"
)

const base62Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandString returns an n-byte random identifier suitable for use as a
// default link name. It favors a dense, URL/log-safe alphabet over raw
// bytes so link names are comfortable to print in debug logs.
func RandString(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base62Chars[int(b)%len(base62Chars)]
	}
	return string(out)
}

// Uint32ToBytes encodes v as an 8-byte big-endian delivery-tag, the
// default tag shape used when a caller does not supply one.
func Uint32ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
