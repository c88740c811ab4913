// Package mapfile exposes a read-only view of a file on disk. Files are
// memory-mapped where the platform allows it and read into memory otherwise.
package mapfile

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var ErrTooLarge = errors.New("mapfile: file too large to address")

type File struct {
	Data    []byte
	Path    string
	mmapped bool
}

// Open maps path read-only. The returned file must be closed to release the
// mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrTooLarge
	}
	size := int(size64)
	if size == 0 {
		return &File{Data: []byte{}, Path: path}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &File{Data: data, Path: path, mmapped: true}, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return &File{Data: data, Path: path}, nil
}

// ReadFrom loads size bytes from r without mapping.
func ReadFrom(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrTooLarge
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return &File{Data: data}, nil
}

// Mapped reports whether the data is backed by an mmap region.
func (f *File) Mapped() bool {
	return f != nil && f.mmapped
}

func (f *File) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// Close releases the mapping. Data must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.mmapped = false
	return err
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}
