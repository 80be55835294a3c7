// Package storage is the preallocated, offset-addressed file set that
// the piece scheduler writes completed pieces into and the orchestrator
// reads from to re-verify pieces listed in the resume cache. Writes are
// serialized on a single lock; the caller is expected to dispatch the
// actual blocking I/O on a worker pool so the event loop never blocks
// on disk.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nilgrip/bitdl/internal/metainfo"
)

// FileStorage holds lazily-opened file handles for one torrent's file
// table, rooted at dest. For a single-file torrent dest/name is the
// one file; for multi-file, dest/name/ is the subtree root.
type FileStorage struct {
	dest  string
	files []metainfo.File

	mu      sync.Mutex
	handles map[int]*os.File
}

// New returns a FileStorage rooted at dest for the given file table.
// It does not open or create any files until the first read/write.
func New(dest string, files []metainfo.File) *FileStorage {
	return &FileStorage{dest: dest, files: files, handles: make(map[int]*os.File)}
}

// Dest returns the root destination directory.
func (s *FileStorage) Dest() string { return s.dest }

// Path returns the on-disk path for file index i.
func (s *FileStorage) Path(i int) string {
	return filepath.Join(s.dest, filepath.FromSlash(s.files[i].Path))
}

func (s *FileStorage) handle(i int) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.handles[i]; ok {
		return f, nil
	}
	path := s.Path(i)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := f.Truncate(s.files[i].Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocating %s: %w", path, err)
	}
	s.handles[i] = f
	return f, nil
}

// locate walks the file table to find which file(s) a contiguous
// [offset, offset+length) span touches.
func (s *FileStorage) locate(offset int64, length int) []fileSpan {
	var spans []fileSpan
	remaining := int64(length)
	pos := offset
	for i, f := range s.files {
		if pos >= f.Offset+f.Length {
			continue
		}
		if remaining <= 0 {
			break
		}
		fileOff := pos - f.Offset
		if fileOff < 0 {
			// pos is before this file; nothing more to find since files are ordered
			break
		}
		avail := f.Length - fileOff
		n := remaining
		if n > avail {
			n = avail
		}
		spans = append(spans, fileSpan{fileIndex: i, fileOffset: fileOff, length: n})
		pos += n
		remaining -= n
	}
	return spans
}

type fileSpan struct {
	fileIndex  int
	fileOffset int64
	length     int64
}

// WriteAt writes data, which may straddle a file boundary, at the
// given contiguous content offset. Writes are serialized on s.mu so
// concurrent callers never interleave on a shared descriptor.
func (s *FileStorage) WriteAt(offset int64, data []byte) error {
	spans := s.locate(offset, len(data))
	consumed := int64(0)
	for _, sp := range spans {
		f, err := s.handle(sp.fileIndex)
		if err != nil {
			return err
		}
		s.mu.Lock()
		_, err = f.WriteAt(data[consumed:consumed+sp.length], sp.fileOffset)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("writing %s at %d: %w", s.Path(sp.fileIndex), sp.fileOffset, err)
		}
		consumed += sp.length
	}
	if consumed != int64(len(data)) {
		return fmt.Errorf("short write: content table covered %d of %d bytes at offset %d", consumed, len(data), offset)
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at the given contiguous content
// offset, which may straddle a file boundary.
func (s *FileStorage) ReadAt(offset int64, buf []byte) error {
	spans := s.locate(offset, len(buf))
	consumed := int64(0)
	for _, sp := range spans {
		path := s.Path(sp.fileIndex)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return err
			}
			return fmt.Errorf("opening %s: %w", path, err)
		}
		_, err = f.ReadAt(buf[consumed:consumed+sp.length], sp.fileOffset)
		f.Close()
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading %s at %d: %w", path, sp.fileOffset, err)
		}
		consumed += sp.length
	}
	return nil
}

// Exists reports whether file index i already exists on disk with at
// least its declared length.
func (s *FileStorage) Exists(i int) bool {
	info, err := os.Stat(s.Path(i))
	if err != nil {
		return false
	}
	return info.Size() >= s.files[i].Length
}

// Close flushes and closes all open handles.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for i, f := range s.handles {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, i)
	}
	return firstErr
}
