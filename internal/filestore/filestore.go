// Package filestore is the File Factory: it opens, enumerates, and
// deletes numbered files of a given extension under a directory, backed
// by a pluggable afero.Fs so the rest of the engine never imports os
// directly.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/lsmkv-project/lsmkv/internal/genid"
)

// Factory opens numbered files of one extension under a directory.
type Factory struct {
	fs  afero.Fs
	dir string
	ext string
}

// New creates a Factory rooted at dir for files named "<gen>.<ext>". The
// directory is created if it does not exist.
func New(fs afero.Fs, dir, ext string) (*Factory, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Factory{fs: fs, dir: dir, ext: ext}, nil
}

// Path returns the path for a given gen.
func (f *Factory) Path(gen genid.Gen) string {
	return filepath.Join(f.dir, fmt.Sprintf("%d.%s", uint64(gen), f.ext))
}

// Create creates (or truncates) the file for gen and opens it read-write.
func (f *Factory) Create(gen genid.Gen) (afero.File, error) {
	return f.fs.OpenFile(f.Path(gen), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
}

// OpenAppend opens the file for gen for appending, creating it if absent.
func (f *Factory) OpenAppend(gen genid.Gen) (afero.File, error) {
	return f.fs.OpenFile(f.Path(gen), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}

// OpenRead opens the file for gen read-only.
func (f *Factory) OpenRead(gen genid.Gen) (afero.File, error) {
	return f.fs.Open(f.Path(gen))
}

// Remove deletes the file for gen. Missing files are not an error.
func (f *Factory) Remove(gen genid.Gen) error {
	err := f.fs.Remove(f.Path(gen))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("filestore: remove %s: %w", f.Path(gen), err)
	}
	return nil
}

// List enumerates every gen present under the directory for this
// extension, sorted ascending (creation order).
func (f *Factory) List() ([]genid.Gen, error) {
	entries, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", f.dir, err)
	}
	var gens []genid.Gen
	suffix := "." + f.ext
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		numPart := strings.TrimSuffix(e.Name(), suffix)
		n, err := strconv.ParseUint(numPart, 10, 64)
		if err != nil {
			continue // skip malformed filenames, as the teacher's loadSSTables did
		}
		gens = append(gens, genid.Gen(n))
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
