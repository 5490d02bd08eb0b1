// Package mapper memory-maps an ELF file and exposes a mutable byte window
// rooted at its .text section.
package mapper

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nullsector/textcarrier/internal/elflocate"
)

// ErrMapFailure wraps any mmap/munmap/msync failure.
var ErrMapFailure = errors.New("mmap failure")

// Window owns a memory-mapped view of an ELF file and surfaces the mutable
// byte slice rooted at the .text file offset.
type Window struct {
	data     []byte
	file     *os.File
	writable bool
	loc      *elflocate.TextLocation

	outputPath string
	stagedPath string
}

// OpenReadOnly maps f (already opened by elflocate.Locate) with
// MAP_PRIVATE/PROT_READ. Window takes ownership of f and closes it on
// Close.
func OpenReadOnly(f *os.File, loc *elflocate.TextLocation) (*Window, error) {
	size, err := fileSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMapFailure, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMapFailure, err)
	}

	return &Window{data: data, file: f, loc: loc}, nil
}

// OpenForWrite stages an independent copy of f's contents at a uniquely
// named temp path next to outputPath, maps the copy MAP_SHARED/
// PROT_READ|PROT_WRITE, and remembers outputPath so Close renames the
// staged copy into place. Close does not know whether the caller's write
// pass succeeded: it renames whenever its own msync and munmap succeed. f
// is closed once the copy is made; it is no longer needed afterward.
func OpenForWrite(f *os.File, loc *elflocate.TextLocation, outputPath string) (*Window, error) {
	defer f.Close()

	stagedPath := outputPath + "." + uuid.NewString() + ".tmp"
	staged, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o755)
	if err != nil {
		return nil, fmt.Errorf("stage output copy: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return nil, fmt.Errorf("stage output copy: %w", err)
	}
	if _, err := io.Copy(staged, f); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return nil, fmt.Errorf("stage output copy: %w", err)
	}

	size, err := fileSize(staged)
	if err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return nil, fmt.Errorf("%w: %v", ErrMapFailure, err)
	}

	data, err := unix.Mmap(int(staged.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return nil, fmt.Errorf("%w: %v", ErrMapFailure, err)
	}

	return &Window{
		data:       data,
		file:       staged,
		writable:   true,
		loc:        loc,
		outputPath: outputPath,
		stagedPath: stagedPath,
	}, nil
}

// TextBytes returns the mutable slice rooted at the .text file offset.
func (w *Window) TextBytes() []byte {
	return w.data[w.loc.FileOffset : w.loc.FileOffset+w.loc.Size]
}

// Close flushes (if writable), unmaps, closes the file, and for a write
// window renames the staged copy into its final output path, or removes
// the staged copy if msync or munmap failed.
func (w *Window) Close() error {
	var firstErr error

	if w.writable {
		if err := unix.Msync(w.data, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: msync: %v", ErrMapFailure, err)
		}
	}

	if err := unix.Munmap(w.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: munmap: %v", ErrMapFailure, err)
	}

	w.file.Close()

	if w.writable {
		if firstErr == nil {
			if err := os.Rename(w.stagedPath, w.outputPath); err != nil {
				firstErr = fmt.Errorf("rename staged output into place: %w", err)
			}
		} else {
			os.Remove(w.stagedPath)
		}
	}

	return firstErr
}

func fileSize(f *os.File) (int, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return int(fi.Size()), nil
}
