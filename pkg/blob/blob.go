// SPDX-License-Identifier: Apache-2.0

// Package blob implements the named byte container every resource is
// composed of: a blob is backed by a file we don't own (FILE), a caller
// buffer we don't own (BUFFER), or an owned mmap of a file we may or may
// not have created (MAPPED), matching the upstream C runtime's
// vaccel_blob.
package blob

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vaccel-project/vaccel-go/pkg/fs"
)

var log = logrus.WithField("subsystem", "blob")

// SetLogger rewires this package's logger.
func SetLogger(logger *logrus.Entry) {
	fields := log.Data
	log = logger.WithFields(fields)
}

// Type is the blob's backing-storage variant.
type Type int

const (
	// None means the blob has not been initialized.
	None Type = iota
	// File means the blob is backed by an existing file we don't own.
	File
	// Buffer means the blob is backed by a caller-provided buffer we
	// don't own.
	Buffer
	// Mapped means the blob is backed by a file we may own, mmapped
	// read/write.
	Mapped
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case File:
		return "file"
	case Buffer:
		return "buffer"
	case Mapped:
		return "mapped"
	default:
		return "unknown"
	}
}

// Blob is a named sequence of bytes, matching struct vaccel_blob.
type Blob struct {
	Type Type
	Name string
	Path string

	// PathOwned is true if Release should delete Path.
	PathOwned bool

	data      []byte
	dataOwned bool
	mapped    *fs.MappedFile
}

// Init constructs a FILE blob from an existing path we do not own.
func Init(path string) (*Blob, error) {
	if !fs.IsFile(path) {
		return nil, errors.Errorf("blob path %q is not an existing file", path)
	}
	return &Blob{
		Type: File,
		Name: fs.FileName(path),
		Path: path,
	}, nil
}

// InitFromBuf constructs a blob from a caller-owned buffer. If dir is
// non-empty the blob is immediately persisted to dir/name; otherwise it
// stays a borrowed BUFFER blob.
func InitFromBuf(buf []byte, name, dir string, randomize bool) (*Blob, error) {
	b := &Blob{
		Type: Buffer,
		Name: name,
		data: buf,
	}
	if dir == "" {
		return b, nil
	}
	if err := b.Persist(dir, name, randomize); err != nil {
		return nil, err
	}
	return b, nil
}

// Persist writes an in-memory (BUFFER) blob's data to dir/name (or a
// randomized variant), transitioning the blob to MAPPED. It fails if the
// blob already has a path.
func (b *Blob) Persist(dir, name string, randomize bool) error {
	if b.Path != "" {
		return errors.Errorf("blob %q already has a path", b.Name)
	}

	path, err := fs.FromParts(dir, name)
	if err != nil {
		return err
	}

	var f *os.File
	if randomize || fs.Exists(path) {
		f, path, err = fs.FileCreateUnique(dir, name)
	} else {
		f, err = fs.FileCreate(path)
	}
	if err != nil {
		return err
	}

	mapped, err := fs.WriteNewMmap(f, path, b.data)
	if err != nil {
		return err
	}

	b.Path = path
	b.PathOwned = true
	b.Name = filepath.Base(path)
	b.mapped = mapped
	b.data = mapped.Data
	b.dataOwned = false
	b.Type = Mapped

	return nil
}

// Read mmaps the file at Path, transitioning FILE -> MAPPED if not
// already mapped.
func (b *Blob) Read() error {
	if b.Type == Mapped {
		return nil
	}
	if b.Type != File {
		return errors.Errorf("blob %q is not file-backed", b.Name)
	}

	mapped, err := fs.ReadMmap(b.Path)
	if err != nil {
		return err
	}

	b.mapped = mapped
	b.data = mapped.Data
	b.Type = Mapped
	return nil
}

// Data returns the blob's bytes, or nil if the blob hasn't been read yet
// (a FILE blob before Read()).
func (b *Blob) Data() []byte {
	return b.data
}

// Size returns the length of the blob's data, if any.
func (b *Blob) Size() int {
	return len(b.data)
}

// Initialized mirrors vaccel_blob_initialized's tri-state check.
func (b *Blob) Initialized() bool {
	switch b.Type {
	case File:
		return b.Path != ""
	case Buffer:
		return b.data != nil
	case Mapped:
		return b.Path != "" && b.data != nil
	default:
		return false
	}
}

// Release unmaps if MAPPED, removes the backing file if PathOwned, and
// resets the blob to the None state.
func (b *Blob) Release() error {
	if b.mapped != nil {
		if err := b.mapped.Unmap(); err != nil {
			log.WithError(err).WithField("path", b.Path).Warn("failed to unmap blob")
		}
		b.mapped = nil
	}

	if b.PathOwned && b.Path != "" {
		if err := fs.FileRemove(b.Path); err != nil {
			log.WithError(err).WithField("path", b.Path).Warn("failed to remove owned blob file")
		}
	}

	b.Type = None
	b.Name = ""
	b.Path = ""
	b.PathOwned = false
	b.data = nil
	b.dataOwned = false
	return nil
}
