package chunker

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// fileMapper owns a memory-mapped view of a single file for the lifetime
// of a transfer. It is the only component that holds the mapping;
// callers request byte-range views rather than raw pointers.
type fileMapper struct {
	file *os.File
	data mmap.MMap
	size int64
}

// openForRead memory-maps an existing file read-only (sender side).
func openForRead(path string) (*fileMapper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, ErrEmptyFile
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileMapper{file: f, data: m, size: info.Size()}, nil
}

// openForWrite truncates path to exactly size bytes (creating a sparse
// file where the filesystem supports holes) and memory-maps it
// read-write (receiver side).
func openForWrite(path string, size int64) (*fileMapper, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileMapper{file: f, data: m, size: size}, nil
}

// bytesAt returns a slice view onto the mapped region [offset, offset+n).
func (fm *fileMapper) bytesAt(offset int64, n int) []byte {
	return fm.data[offset : offset+int64(n)]
}

// sync flushes dirty pages to the backing file before the commit rename.
func (fm *fileMapper) sync() error {
	return fm.data.Flush()
}

func (fm *fileMapper) close() error {
	if err := fm.data.Unmap(); err != nil {
		fm.file.Close()
		return err
	}
	return fm.file.Close()
}
