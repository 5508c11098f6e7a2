package helpers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Suffixes of the side files SQLite keeps next to a store in WAL mode.
var StoreSideFileSuffixes = []string{"-wal", "-shm", "-journal"}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string, logger *zap.SugaredLogger) bool {
	info, err := os.Stat(filename)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Debugf("Error checking file %s for existence: %s", filename, err)
		}
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a path exists and is a directory
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := tmp.Write(data)
	if err != nil {
		cleanup()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if n != len(data) {
		cleanup()
		return fmt.Errorf("error writing %s: wrote %d bytes, expected %d", path, n, len(data))
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("error setting mode on %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("error syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error replacing %s: %w", path, err)
	}
	return SyncDir(dir)
}

// SyncDir flushes a directory entry table so a completed rename survives a crash.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("error opening directory %s: %w", dir, err)
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("error syncing directory %s: %w", dir, err)
	}
	return nil
}

// CopyFile copies src to dst byte for byte and syncs dst. dst must not exist.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file stats: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, stat.Mode().Perm())
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("error copying %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("error syncing %s: %w", dst, err)
	}
	return out.Close()
}

// RenameStore moves a store file and whichever side files exist next to it.
func RenameStore(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("error renaming %s to %s: %w", src, dst, err)
	}
	for _, suffix := range StoreSideFileSuffixes {
		if _, err := os.Stat(src + suffix); err != nil {
			continue
		}
		if err := os.Rename(src+suffix, dst+suffix); err != nil {
			return fmt.Errorf("error renaming %s: %w", src+suffix, err)
		}
	}
	return SyncDir(filepath.Dir(dst))
}

// RemoveStoreFiles deletes a store file together with its side files.
func RemoveStoreFiles(path string) error {
	for _, p := range append([]string{path}, sideFiles(path)...) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error removing %s: %w", p, err)
		}
	}
	return nil
}

func sideFiles(path string) []string {
	files := make([]string, 0, len(StoreSideFileSuffixes))
	for _, suffix := range StoreSideFileSuffixes {
		files = append(files, path+suffix)
	}
	return files
}

// FileTimes reports the birth and modification times of path. Filesystems
// that do not record a birth time report the modification time for both.
func FileTimes(path string) (created, modified time.Time, err error) {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME|unix.STATX_MTIME, &stx); err != nil {
		return time.Time{}, time.Time{}, &os.PathError{Op: "statx", Path: path, Err: err}
	}
	modified = time.Unix(stx.Mtime.Sec, int64(stx.Mtime.Nsec)).UTC()
	created = modified
	if stx.Mask&unix.STATX_BTIME != 0 {
		created = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)).UTC()
	}
	return created, modified, nil
}
