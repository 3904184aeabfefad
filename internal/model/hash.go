package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SQLiteMagic is the 16-byte header every dataset data file must begin with.
const SQLiteMagic = "SQLite format 3\x00"

// SHA256Hex returns the lowercase hex sha256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifySHA256 compares the digest of b to expected.
func VerifySHA256(b []byte, expected string) error {
	if got := SHA256Hex(b); got != expected {
		return fmt.Errorf("sha256 mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

// HasSQLiteMagic reports whether b starts with the SQLite file header.
func HasSQLiteMagic(b []byte) bool {
	return bytes.HasPrefix(b, []byte(SQLiteMagic))
}

func isSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
