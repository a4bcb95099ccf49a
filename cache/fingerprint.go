package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint identifies a logical completion request.
// Equal inputs always produce equal fingerprints.
type Fingerprint [sha256.Size]byte

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// Key holds the fields that make up a fingerprint.
type Key struct {
	Input     string
	CursorPos int
	Cwd       string
	Shell     string
	// ContextDigest summarizes the environment snapshot (git state, project type, env).
	ContextDigest string
}

// NewFingerprint digests the key. Input is trimmed before hashing.
// Fields are length-prefixed so adjacent values cannot run together.
func NewFingerprint(k Key) Fingerprint {
	h := sha256.New()
	for _, field := range []string{
		strings.TrimSpace(k.Input),
		strconv.Itoa(k.CursorPos),
		k.Cwd,
		k.Shell,
		k.ContextDigest,
	} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
	var fp Fingerprint
	h.Sum(fp[:0])
	return fp
}
