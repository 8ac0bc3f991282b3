package blob

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFS stores render artifacts beside the meshes under Root.
type LocalFS struct {
	Root string
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean, abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", err
	}
	return clean, nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	_, abs, err := l.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Path returns the absolute path of relPath.
func (l LocalFS) Path(relPath string) (string, error) {
	_, abs, err := l.resolve(relPath)
	return abs, err
}

// Sub returns a store rooted at a directory below Root.
func (l LocalFS) Sub(relDir string) (LocalFS, error) {
	if relDir == "" || relDir == "." {
		return l, nil
	}
	_, abs, err := l.resolve(relDir)
	if err != nil {
		return LocalFS{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return LocalFS{}, err
	}
	if !info.IsDir() {
		return LocalFS{}, fmt.Errorf("%s is not a directory", relDir)
	}
	return LocalFS{Root: abs}, nil
}

// FindDirs walks Root and returns the sorted, de-duplicated relative directories that
// contain a file with one of the given names.
func (l LocalFS) FindDirs(names ...string) ([]string, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	seen := map[string]bool{}
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !want[d.Name()] {
			return nil
		}
		rel, err := filepath.Rel(l.Root, filepath.Dir(path))
		if err != nil {
			return err
		}
		seen[rel] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for dir := range seen {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out, nil
}

func (l LocalFS) resolve(relPath string) (string, string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("invalid path %q", relPath)
	}
	return clean, filepath.Join(l.Root, clean), nil
}
