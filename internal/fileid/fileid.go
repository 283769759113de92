// Package fileid derives document IDs and validates document names.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

const prefix = "doc_"

// documentName matches a bare file name: no separators, no leading dot, .pdf suffix.
var documentName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.()-]*\.(?i:pdf)$`)

// DocID returns a stable, short document ID for a source file. Only the base name
// is hashed, so rebuilding the index from a moved documents directory keeps IDs.
func DocID(path string) string {
	name := filepath.Base(filepath.Clean(path))
	hash := sha256.Sum256([]byte(name))
	return prefix + hex.EncodeToString(hash[:])[:12]
}

// ValidDocumentName reports whether name may be served from the documents directory.
func ValidDocumentName(name string) bool {
	if strings.Contains(name, "..") {
		return false
	}
	return documentName.MatchString(name)
}
