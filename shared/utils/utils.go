package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// HashString hashes an identifier rather than file content
func HashString(s string) string {
	return HashContent([]byte(s))
}

// SafeName turns an arbitrary name into something usable as a single path element.
func SafeName(name string) string {
	clean := unsafeChars.ReplaceAllString(name, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	if len(clean) > 64 {
		clean = clean[:64]
	}
	return clean
}
