package actions

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// hashFiles digests every file under root matching one of patterns. The
// digest covers relative paths and contents in sorted order; no matches
// gives the empty string.
func hashFiles(root string, patterns ...string) (string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, p))
		if err != nil {
			return "", fmt.Errorf("bad pattern %q: %w", p, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Strings(files)

	h := xxhash.New()
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return "", err
		}
		h.WriteString(filepath.ToSlash(rel))
		h.Write([]byte{0})
		if err := hashFile(h, f); err != nil {
			return "", err
		}
	}

	var sum [8]byte
	return hex.EncodeToString(h.Sum(sum[:0])), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
