package actions

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// errArchiveTooLarge is returned by packPaths when the compressed archive
// outgrows its limit.
var errArchiveTooLarge = errors.New("cache archive exceeds size limit")

// limitWriter fails once more than n bytes have been written.
type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n >= 0 && int64(len(p)) > l.n {
		return 0, errArchiveTooLarge
	}
	if l.n >= 0 {
		l.n -= int64(len(p))
	}
	return l.w.Write(p)
}

// packPaths streams the given roots into w as a gzipped tar. Entries are
// named "<root index>/<relative path>" so the archive restores onto the
// same ordered list of roots. Missing roots are skipped. A positive limit
// caps the compressed size; packing stops with errArchiveTooLarge when it
// is exceeded.
func packPaths(w io.Writer, roots []string, limit int64) (int, error) {
	if limit <= 0 {
		limit = -1
	}
	gz := gzip.NewWriter(&limitWriter{w: w, n: limit})
	tw := tar.NewWriter(gz)
	files := 0

	for i, root := range roots {
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		prefix := strconv.Itoa(i)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := prefix + "/" + filepath.ToSlash(rel)

			info, err := d.Info()
			if err != nil {
				return err
			}

			switch {
			case d.IsDir():
				return tw.WriteHeader(&tar.Header{
					Typeflag: tar.TypeDir,
					Name:     name + "/",
					Mode:     int64(info.Mode().Perm()),
					ModTime:  info.ModTime(),
				})
			case info.Mode().IsRegular():
				hdr := &tar.Header{
					Typeflag: tar.TypeReg,
					Name:     name,
					Mode:     int64(info.Mode().Perm()),
					Size:     info.Size(),
					ModTime:  info.ModTime(),
				}
				if err := tw.WriteHeader(hdr); err != nil {
					return err
				}
				files++
				return copyFileTo(tw, path)
			default:
				// sockets, devices and symlinks are not cached
				return nil
			}
		})
		if err != nil {
			return files, fmt.Errorf("failed to archive %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return files, err
	}
	if err := gz.Close(); err != nil {
		return files, err
	}
	return files, nil
}

// packToFile archives roots into a temporary file under dir and returns its
// contents. The file is removed before returning.
func packToFile(dir string, roots []string, limit int64) ([]byte, int, error) {
	f, err := os.CreateTemp(dir, "dagci-cache-*.tar.gz")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create cache archive: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	files, err := packPaths(f, roots, limit)
	if err != nil {
		return nil, files, err
	}
	if files == 0 {
		return nil, 0, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, files, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, files, err
	}
	return data, files, nil
}

func copyFileTo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// unpackPaths restores an archive made by packPaths onto roots. It rejects
// entries that would land outside their root.
func unpackPaths(data []byte, roots []string) (int, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("corrupted cache archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("corrupted cache archive: %w", err)
		}

		idx, rel, ok := strings.Cut(strings.TrimSuffix(hdr.Name, "/"), "/")
		if !ok && hdr.Typeflag != tar.TypeDir {
			return files, fmt.Errorf("corrupted cache archive: bad entry %q", hdr.Name)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(roots) {
			return files, fmt.Errorf("corrupted cache archive: bad entry %q", hdr.Name)
		}

		root := filepath.Clean(roots[i])
		target := filepath.Join(root, filepath.FromSlash(rel))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return files, fmt.Errorf("cache entry %q escapes %s", hdr.Name, root)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return files, err
			}
			files++
		}
	}
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("corrupted cache archive: %w", err)
	}
	return f.Close()
}
