// Package evidence signs and notarizes evidence packs: deterministic
// content-addressable hashing of zip archives, RSA-PSS signatures, and
// persisted notarization records.
package evidence

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// CalculatePackHash computes the deterministic SHA-256 of a zip archive:
// entries are visited in lexicographic filename order, feeding the filename
// bytes followed by the content bytes. Two archives holding the same files
// with the same contents hash identically regardless of on-disk entry order
// or metadata. An empty archive hashes to the zero-length digest.
func CalculatePackHash(packPath string) (string, error) {
	zr, err := zip.OpenReader(packPath)
	if err != nil {
		return "", fmt.Errorf("open pack: %w", err)
	}
	defer zr.Close()

	files := make([]*zip.File, len(zr.File))
	copy(files, zr.File)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	hasher := sha256.New()
	for _, f := range files {
		hasher.Write([]byte(f.Name))
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		if _, err := io.Copy(hasher, rc); err != nil {
			rc.Close()
			return "", fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		rc.Close()
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
