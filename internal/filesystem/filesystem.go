package filesystem

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tftpd/internal/config"
	"tftpd/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// ValidateFilePath checks if a file path is safe and valid
func ValidateFilePath(p string) error {
	cleanPath := filepath.Clean(p)

	// Check for directory traversal attempts
	for _, elem := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if elem == ".." {
			return errors.NewValidationError("file_path", p, "path contains directory traversal")
		}
	}

	return nil
}

// NormalizeName turns a requested filename into a registry key: forward
// slashes, no leading "/", no element that climbs out of the root.
func NormalizeName(name string) (string, error) {
	key := strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/")
	if key == "" {
		return "", errors.NewValidationError("filename", name, "filename is empty")
	}

	for _, elem := range strings.Split(key, "/") {
		if elem == ".." {
			return "", errors.NewValidationError("filename", name, "path escapes the served root")
		}
	}

	key = path.Clean(key)
	if key == "." {
		return "", errors.NewValidationError("filename", name, "filename names the root")
	}
	return key, nil
}

// Resolve maps a normalized key onto a path below root
func Resolve(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key))
}

// BaseName returns the last element of a remote filename
func BaseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// ScanFiles walks root recursively and returns the regular files below it as
// slash separated paths relative to root
func ScanFiles(root string) ([]string, error) {
	var names []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, an unreadable root is fatal
			if p == root {
				return err
			}
			slog.Warn("Skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if !d.Type().IsRegular() || IsPartial(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.NewFileSystemError("scan", root, err)
	}

	return names, nil
}

// GetFileInfo returns information about a file
func GetFileInfo(p string) (*FileInfo, error) {
	if err := ValidateFilePath(p); err != nil {
		return nil, err
	}

	stat, err := os.Stat(p)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", p, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     p,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// OpenForRead opens a regular file for sending and reports its size
func OpenForRead(p string) (*os.File, *FileInfo, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, nil, errors.NewFileSystemError("open", p, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, errors.NewFileSystemError("stat", p, err)
	}
	if !stat.Mode().IsRegular() {
		file.Close()
		return nil, nil, errors.NewFileSystemError("open", p, fs.ErrInvalid)
	}

	return file, &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     p,
		Modified: stat.ModTime(),
	}, nil
}

// CreateTruncate opens p for writing, creating it or discarding old content
func CreateTruncate(p string) (*os.File, error) {
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, config.FilePerms)
	if err != nil {
		return nil, errors.NewFileSystemError("create", p, err)
	}
	return file, nil
}

// PartialSuffix marks uploads that have not completed yet
const PartialSuffix = ".tftpd-part"

// IsPartial reports whether name is an upload still in progress
func IsPartial(name string) bool {
	return strings.HasSuffix(name, PartialSuffix)
}

// CreatePartial creates a hidden file next to p to receive an upload. The
// content only replaces p once CommitPartial succeeds.
func CreatePartial(p string) (*os.File, error) {
	if info, err := GetFileInfo(p); err == nil && info.IsDir {
		return nil, errors.NewFileSystemError("create", p, fs.ErrExist)
	}

	file, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*"+PartialSuffix)
	if err != nil {
		return nil, errors.NewFileSystemError("create", p, err)
	}
	if err := file.Chmod(config.FilePerms); err != nil {
		DiscardPartial(file)
		return nil, errors.NewFileSystemError("chmod", p, err)
	}
	return file, nil
}

// CommitPartial flushes file and renames it over p
func CommitPartial(file *os.File, p string) error {
	if err := file.Sync(); err != nil {
		return errors.NewFileSystemError("sync", p, err)
	}
	if err := file.Close(); err != nil {
		return errors.NewFileSystemError("close", p, err)
	}
	if err := os.Rename(file.Name(), p); err != nil {
		return errors.NewFileSystemError("rename", p, err)
	}
	return nil
}

// DiscardPartial closes and deletes an upload that will not be committed
func DiscardPartial(file *os.File) {
	file.Close()
	if err := os.Remove(file.Name()); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove partial upload", "path", file.Name(), "error", err)
	}
}

// CheckReadable verifies that p can be opened for reading
func CheckReadable(p string) error {
	file, _, err := OpenForRead(p)
	if err != nil {
		return err
	}
	return file.Close()
}

// RemovePartial deletes a file left behind by a failed download
func RemovePartial(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.NewFileSystemError("remove_partial", p, err)
	}
	return nil
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(dir string) error {
	if err := ValidateFilePath(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}
