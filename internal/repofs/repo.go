// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

// Package repofs implements the on-disk layout of staging and production
// repositories:
//
//	objects/<first two hex digits>/<remaining hex digits>
//	refs/heads/<reference name>
//	summary       (JSON document listing all refs)
//	summary.sig   (detached signature of summary, optional)
//	repo.json     (repository descriptor, production only)
//
// All paths are resolved through a billy.Filesystem bound to the repository
// root, so that no relative path can escape the repository directory.
package repofs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/errext"
)

const (
	// SummaryPath is the location of the summary document within a repository.
	SummaryPath = "summary"
	// SummarySignaturePath is the location of the detached summary signature.
	SummarySignaturePath = "summary.sig"
	// DescriptorPath is the location of the repository descriptor.
	DescriptorPath = "repo.json"

	objectsDir = "objects"
	refsDir    = "refs/heads"
)

// Repo is a repository directory on disk.
type Repo struct {
	fs   billy.Filesystem
	root string
}

// Open returns a handle for the repository at the given path. The directory
// is not required to exist yet.
func Open(root string) *Repo {
	return New(root, osfs.New(root, osfs.WithBoundOS()))
}

// New returns a handle for the repository at the given path that accesses
// files through the given filesystem, which must be rooted at that path.
func New(root string, filesystem billy.Filesystem) *Repo {
	return &Repo{fs: filesystem, root: root}
}

// Create initializes a new repository in a directory that must not exist yet.
func Create(root string) (*Repo, error) {
	_, err := os.Stat(root)
	switch {
	case err == nil:
		return nil, fmt.Errorf("cannot create repository in %s: %w", root, fs.ErrExist)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	r := Open(root)
	return r, r.Init()
}

// Root returns the path of the repository directory.
func (r *Repo) Root() string {
	return r.root
}

// Filesystem returns the billy.Filesystem bound to the repository directory.
func (r *Repo) Filesystem() billy.Filesystem {
	return r.fs
}

// FullPath converts a repository-relative path into a filesystem path. This is
// only needed for collaborators outside of this process, like the signer.
func (r *Repo) FullPath(relPath string) string {
	return filepath.Join(r.root, filepath.FromSlash(relPath))
}

// Init creates the directory skeleton of an empty repository.
func (r *Repo) Init() error {
	for _, dir := range []string{objectsDir, refsDir} {
		err := r.fs.MkdirAll(dir, 0o755)
		if err != nil {
			return fmt.Errorf("cannot initialize repository in %s: %w", r.root, err)
		}
	}
	return nil
}

// ObjectPath returns the repository-relative path of the object with the
// given checksum.
func ObjectPath(checksum string) string {
	return path.Join(objectsDir, checksum[:2], checksum[2:])
}

// HasObject returns whether the object with the given checksum exists.
func (r *Repo) HasObject(checksum string) (bool, error) {
	return r.exists(ObjectPath(checksum))
}

// StoreObject writes the object with the given checksum. The object becomes
// visible atomically once all content has been written. Returns the size and
// content digest of what was written.
func (r *Repo) StoreObject(checksum string, content io.Reader) (uint64, digest.Digest, error) {
	digester := digest.Canonical.Digester()
	var size uint64
	err := r.writeAtomic(ObjectPath(checksum), func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, digester.Hash()), content)
		size = uint64(n) //nolint:gosec // io.Copy never returns negative counts
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return size, digester.Digest(), nil
}

// CopyObjectFrom copies the object with the given checksum from another
// repository. Objects that already exist in this repository are not touched.
// Returns whether the object was copied.
func (r *Repo) CopyObjectFrom(src *Repo, checksum string) (bool, error) {
	objPath := ObjectPath(checksum)
	exists, err := r.exists(objPath)
	if err != nil || exists {
		return false, err
	}

	in, err := src.fs.Open(objPath)
	if err != nil {
		return false, err
	}
	defer in.Close()
	err = r.writeAtomic(objPath, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	return err == nil, err
}

// ReadFile returns the contents of the given file.
func (r *Repo) ReadFile(relPath string) ([]byte, error) {
	return util.ReadFile(r.fs, relPath)
}

// WriteFile replaces the given file atomically.
func (r *Repo) WriteFile(relPath string, data []byte) error {
	return r.writeAtomic(relPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// StageFile writes the given data into a temporary file next to the given
// path. The returned commit function moves it into place; the returned
// discard function removes it if it has not been committed. This allows
// callers to swap multiple files in a controlled order.
func (r *Repo) StageFile(relPath string, data []byte) (tmpPath string, commit, discard func() error, err error) {
	tmpPath, err = r.writeTemp(relPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return "", nil, nil, err
	}
	committed := false
	commit = func() error {
		err := r.fs.Rename(tmpPath, relPath)
		if err == nil {
			committed = true
		}
		return err
	}
	discard = func() error {
		if committed {
			return nil
		}
		return r.removeIfExists(tmpPath)
	}
	return tmpPath, commit, discard, nil
}

// Snapshot records the current contents of the given files. The returned
// restore function puts them back in the given order, and removes those files
// that did not exist when the snapshot was taken.
func (r *Repo) Snapshot(relPaths ...string) (restore func() error, err error) {
	type savedFile struct {
		path   string
		data   []byte
		exists bool
	}
	files := make([]savedFile, 0, len(relPaths))
	for _, relPath := range relPaths {
		data, err := r.ReadFile(relPath)
		switch {
		case err == nil:
			files = append(files, savedFile{relPath, data, true})
		case errors.Is(err, fs.ErrNotExist):
			files = append(files, savedFile{path: relPath})
		default:
			return nil, err
		}
	}

	restore = func() error {
		var errs errext.ErrorSet
		for _, f := range files {
			var err error
			if f.exists {
				err = r.WriteFile(f.path, f.data)
			} else {
				err = r.removeIfExists(f.path)
			}
			if err != nil {
				errs.Addf("cannot restore %s: %w", f.path, err)
			}
		}
		if errs.IsEmpty() {
			return nil
		}
		return errors.New(errs.Join(", "))
	}
	return restore, nil
}

// Remove removes the given file. It is not an error if the file does not exist.
func (r *Repo) Remove(relPath string) error {
	return r.removeIfExists(relPath)
}

// RemoveAll removes the entire repository directory.
func RemoveAll(root string) error {
	parent := osfs.New(filepath.Dir(root), osfs.WithBoundOS())
	err := util.RemoveAll(parent, filepath.Base(root))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (r *Repo) exists(relPath string) (bool, error) {
	_, err := r.fs.Stat(relPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (r *Repo) removeIfExists(relPath string) error {
	err := r.fs.Remove(relPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (r *Repo) writeAtomic(relPath string, write func(io.Writer) error) error {
	tmpPath, err := r.writeTemp(relPath, write)
	if err != nil {
		return err
	}
	err = r.fs.Rename(tmpPath, relPath)
	if err != nil {
		_ = r.removeIfExists(tmpPath)
		return err
	}
	return nil
}

func (r *Repo) writeTemp(relPath string, write func(io.Writer) error) (string, error) {
	dir := path.Dir(relPath)
	err := r.fs.MkdirAll(dir, 0o755)
	if err != nil {
		return "", err
	}

	tmpPath := path.Join(dir, ".tmp-"+uuid.NewString())
	f, err := r.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	err = write(f)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		_ = r.removeIfExists(tmpPath)
		return "", err
	}
	return tmpPath, nil
}
