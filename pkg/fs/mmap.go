// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MappedFile is a private (copy-on-write) read/write mmap of a file,
// closed via Unmap; writes to Data do not reach the file.
type MappedFile struct {
	Data []byte
	f    *os.File
}

// ReadMmap memory-maps path PROT_READ|PROT_WRITE, MAP_PRIVATE, mirroring
// fs_file_read_mmap.
func ReadMmap(path string) (*MappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q for mmap", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	size := fi.Size()
	if size == 0 {
		return &MappedFile{Data: nil, f: f}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap %q", path)
	}

	return &MappedFile{Data: data, f: f}, nil
}

// WriteNewMmap creates path, writes data to it, then reopens it as a
// private mmap, mirroring vaccel_blob_persist's write-then-mmap sequence.
func WriteNewMmap(f *os.File, path string, data []byte) (*MappedFile, error) {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "writing %q", path)
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing %q after write", path)
	}

	return ReadMmap(path)
}

// Unmap releases the mapping and closes the underlying file descriptor.
func (m *MappedFile) Unmap() error {
	if m == nil || m.f == nil {
		return nil
	}
	var err error
	if len(m.Data) > 0 {
		err = unix.Munmap(m.Data)
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
