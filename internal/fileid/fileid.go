// Package fileid derives deterministic identifiers for knowledge-base chunks and
// file-system-safe keys for user identities.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

const prefix = "file:"

// FileDocID returns a stable document ID for the given path.
// Same (cleaned) path always yields the same ID.
func FileDocID(path string) string {
	normalized := filepath.Clean(path)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// RecordID returns the ID of chunk number chunk of the file at path.
func RecordID(path string, chunk int) string {
	return fmt.Sprintf("%s#%d", FileDocID(path), chunk)
}

// IdentityKey maps a user identity (usually an email address) to a file name stem.
// The readable slug is followed by a short hash so distinct identities never collide.
func IdentityKey(identity string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(identity)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == '@':
			b.WriteString("_at_")
		default:
			b.WriteRune('_')
		}
	}
	slug := strings.Trim(b.String(), "._")
	if len(slug) > 64 {
		slug = slug[:64]
	}
	if slug == "" {
		slug = "user"
	}
	hash := sha256.Sum256([]byte(identity))
	return slug + "-" + hex.EncodeToString(hash[:4])
}
