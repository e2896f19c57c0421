package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tensorpool/tensorpool/tperr"
)

// Region is a file-backed mapping whose first SuperblockBytes carry a
// Superblock (spec.md §3 "Region"). It generalizes the teacher's
// feeder/shm.RingBuffer, which mmap'd a single /dev/shm file with plain
// syscall.Mmap, to the policy knobs spec.md §5/§6 require: optional
// prefaulting and mlock, both done through golang.org/x/sys/unix since
// the stdlib syscall package doesn't expose MAP_POPULATE or Mlock.
type Region struct {
	file *os.File
	data []byte
	path string
}

// CreateOptions controls how a region's backing file and mapping are
// created; the driver is the only component that ever creates regions
// (spec.md §4.6/§5 "the driver owns creation and deletion").
type CreateOptions struct {
	PermissionsMode os.FileMode
	Prefault        bool
	Mlock           bool
}

// Create allocates (or truncates) a region file of the given size and
// maps it read-write. Any partial failure releases everything it
// acquired so far (spec.md §5 "Cleanup").
func Create(path string, size int, opts CreateOptions) (reg *Region, err error) {
	mode := opts.PermissionsMode
	if mode == 0 {
		mode = 0o600
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "create region file %s", path)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()
	if err = f.Truncate(int64(size)); err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "truncate region file %s to %d", path, size)
	}
	flags := unix.MAP_SHARED
	if opts.Prefault {
		flags |= unix.MAP_POPULATE
	}
	data, merr := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if merr != nil {
		err = tperr.Wrap(tperr.Internal, merr, "mmap region file %s", path)
		return nil, err
	}
	if opts.Mlock {
		if lerr := unix.Mlock(data); lerr != nil {
			_ = unix.Munmap(data)
			err = tperr.Wrap(tperr.ResourceExhausted, lerr, "mlock region %s", path)
			return nil, err
		}
	}
	return &Region{file: f, data: data, path: path}, nil
}

// Open maps an existing region file read-write (producer/consumer
// attach path). size must match the file's actual size exactly; a
// mismatch almost always means a stale epoch.
func Open(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "open region file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, tperr.Wrap(tperr.Internal, err, "stat region file %s", path)
	}
	if int(info.Size()) != size {
		f.Close()
		return nil, tperr.New(tperr.LayoutMismatch, "region %s size %d != expected %d", path, info.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, tperr.Wrap(tperr.Internal, err, "mmap region file %s", path)
	}
	return &Region{file: f, data: data, path: path}, nil
}

// OpenReadOnly maps an existing region read-only (the consumer's normal
// attach path, since only the producer writes).
func OpenReadOnly(path string, size int) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tperr.Wrap(tperr.Internal, err, "open region file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, tperr.Wrap(tperr.Internal, err, "stat region file %s", path)
	}
	if int(info.Size()) != size {
		f.Close()
		return nil, tperr.New(tperr.LayoutMismatch, "region %s size %d != expected %d", path, info.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, tperr.Wrap(tperr.Internal, err, "mmap region file %s", path)
	}
	return &Region{file: f, data: data, path: path}, nil
}

// Bytes exposes the raw mapping. Callers index into it for superblock,
// ring, and pool access; shm never copies a region's bytes wholesale.
func (r *Region) Bytes() []byte { return r.data }

// Path returns the backing file path, used to build region URIs.
func (r *Region) Path() string { return r.path }

// Close unmaps and closes the region's file descriptor. It does not
// delete the backing file; Unlink does that.
func (r *Region) Close() error {
	if r == nil || r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.data = nil
	return err
}

// Unlink removes the region's backing file; a file that is already gone
// is not an error. Nothing in this repository calls it: the driver's
// epoch GC closes old regions but leaves their files in place.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return tperr.Wrap(tperr.Internal, err, "unlink region %s", path)
	}
	return nil
}

// ParseShmFileURI extracts the absolute path from a `shm:file?path=...`
// URI (spec.md §6), and rejects anything else or any path outside
// allowedBaseDirs.
func ParseShmFileURI(uri string, allowedBaseDirs []string) (string, error) {
	const prefix = "shm:file?path="
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", tperr.New(tperr.InvalidArgument, "unsupported region uri scheme: %s", uri)
	}
	path := uri[len(prefix):]
	if len(path) == 0 || path[0] != '/' {
		return "", tperr.New(tperr.InvalidArgument, "region uri path must be absolute: %s", path)
	}
	for _, base := range allowedBaseDirs {
		if hasPrefixDir(path, base) {
			return path, nil
		}
	}
	return "", tperr.New(tperr.PermissionDenied, "region path %s is outside the allowed base directories", path)
}

func hasPrefixDir(path, base string) bool {
	if len(base) == 0 {
		return false
	}
	if len(path) < len(base) {
		return false
	}
	if path[:len(base)] != base {
		return false
	}
	return len(path) == len(base) || path[len(base)] == '/'
}

// BuildShmFileURI formats a region path as the `shm:file?path=...` scheme.
func BuildShmFileURI(path string) string {
	return fmt.Sprintf("shm:file?path=%s", path)
}
