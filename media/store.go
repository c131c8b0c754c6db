package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Store saves, serves and deletes gallery objects by key.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns ErrObjectNotFound when key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Delete treats a missing object as success.
	Delete(ctx context.Context, key string) error
	// PresignPut returns a URL the client can PUT the bytes to directly.
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	// URL returns a readable URL for key.
	URL(ctx context.Context, key string) (string, error)
}

// ReadObject loads a whole object into memory.
func ReadObject(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, err)
	}
	return data, nil
}

// LocalStorage implements Store on the local filesystem.
type LocalStorage struct {
	basePath   string // absolute path to MEDIA_STORAGE_PATH
	publicBase string // url prefix serving basePath
}

// NewLocalStorage creates a new local filesystem store
func NewLocalStorage(basePath, publicBaseURL string) (*LocalStorage, error) {
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base storage path '%s': %w", basePath, err)
	}
	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory '%s': %w", absBasePath, err)
	}

	slog.Info("local media storage initialized", "path", absBasePath)
	return &LocalStorage{
		basePath:   absBasePath,
		publicBase: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// BasePath is the directory objects are stored under.
func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// GetFullPath resolves key below the base path, rejecting traversal.
func (ls *LocalStorage) GetFullPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
	}
	fullPath := filepath.Join(ls.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(filepath.Clean(fullPath), ls.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: access denied for '%s'", ErrInvalidKey, key)
	}
	return fullPath, nil
}

func (ls *LocalStorage) Put(_ context.Context, key string, data io.Reader, _ int64, _ string) error {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", key, err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write data to '%s': %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to flush '%s': %w", key, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move '%s' into place: %w", key, err)
	}

	slog.Debug("stored object", "key", key)
	return nil
}

func (ls *LocalStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: '%s'", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open object '%s': %w", key, err)
	}
	return file, nil
}

func (ls *LocalStorage) Stat(_ context.Context, key string) (ObjectInfo, error) {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: '%s'", ErrObjectNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat object '%s': %w", key, err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(key)),
	}, nil
}

func (ls *LocalStorage) Delete(_ context.Context, key string) error {
	fullPath, err := ls.GetFullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}
	return nil
}

func (ls *LocalStorage) PresignPut(context.Context, string, string) (string, error) {
	return "", ErrPresignUnsupported
}

func (ls *LocalStorage) URL(_ context.Context, key string) (string, error) {
	if _, err := ls.GetFullPath(key); err != nil {
		return "", err
	}
	return ls.publicBase + "/" + key, nil
}
