package media

import (
	"encoding/hex"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// content types accepted for gallery images, with the extension used in keys
var supportedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tif",
}

var supportedImageExtensions = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".bmp": "image/bmp", ".tif": "image/tiff", ".tiff": "image/tiff",
}

// IsRasterImage checks if the filename has a common raster image extension
func IsRasterImage(filename string) bool {
	_, ok := supportedImageExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// IsSupportedContentType reports whether a MIME type can be ingested.
func IsSupportedContentType(contentType string) bool {
	_, ok := supportedImageTypes[normalizeContentType(contentType)]
	return ok
}

// ContentTypeFor picks a MIME type from the declared one, falling back to the filename.
func ContentTypeFor(declared, filename string) string {
	if ct := normalizeContentType(declared); IsSupportedContentType(ct) {
		return ct
	}
	return supportedImageExtensions[strings.ToLower(filepath.Ext(filename))]
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" || ct == "image/pjpeg" {
		return "image/jpeg"
	}
	return ct
}

// ContentHash is the hex blake2b-256 digest of data.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectKey is the content-addressed key of an image in a gallery.
func ObjectKey(galleryID uint, contentHash, contentType string) string {
	ext := supportedImageTypes[normalizeContentType(contentType)]
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("galleries/%d/%s%s", galleryID, contentHash, ext)
}

// GalleryPrefix is the key prefix owned by one gallery.
func GalleryPrefix(galleryID uint) string {
	return fmt.Sprintf("galleries/%d/", galleryID)
}

// ParticipantKey is the content-addressed key of a participant's reference photo.
func ParticipantKey(participantID uint, contentHash, contentType string) string {
	ext := supportedImageTypes[normalizeContentType(contentType)]
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("participants/%d/%s%s", participantID, contentHash, ext)
}
