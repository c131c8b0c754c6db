// Package source lists and fetches files from a remote shared folder for bulk import.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/facette/natsort"
)

var (
	ErrInvalidFolderLink = errors.New("invalid folder link")
	ErrFolderNotFound    = errors.New("folder not found or not shared")
	ErrFileNotFound      = errors.New("file not found")
	ErrNotConfigured     = errors.New("bulk file source is not configured")
)

// File is one entry of a remote folder listing.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Source is a remote folder provider.
type Source interface {
	List(ctx context.Context, folderID string) ([]File, error)
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

var folderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)

// ParseFolderID accepts a bare folder id or a share link in any of the
// usual forms (/drive/folders/<id>, /drive/u/0/folders/<id>, ?id=<id>).
func ParseFolderID(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFolderLink)
	}
	if folderIDPattern.MatchString(link) {
		return link, nil
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidFolderLink, link)
	}
	if id := u.Query().Get("id"); folderIDPattern.MatchString(id) {
		return id, nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "folders" && i+1 < len(parts) && folderIDPattern.MatchString(parts[i+1]) {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidFolderLink, link)
}

// SortNatural orders files by name the way a person would ("IMG_2" before "IMG_10").
func SortNatural(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		return natsort.Compare(files[i].Name, files[j].Name)
	})
}
