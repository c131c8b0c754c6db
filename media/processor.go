package media

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	// largest payload the recognition service accepts as raw bytes
	MaxDetectionBytes = 5 * 1024 * 1024

	DetectionJpegQuality = 90
)

var detectionFallbackQualities = []int{DetectionJpegQuality, 80, 70, 60}

// PrepareForDetection decodes an uploaded photo, applies its EXIF
// orientation, fits it within maxSize on the longest side and re-encodes it
// as JPEG small enough for the recognition service.
func PrepareForDetection(data []byte, maxSize int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for detection: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("invalid image dimensions: %dx%d", bounds.Dx(), bounds.Dy())
	}

	var fitted image.Image = img
	if maxSize > 0 && (bounds.Dx() > maxSize || bounds.Dy() > maxSize) {
		fitted = imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	}

	var buf bytes.Buffer
	for _, quality := range detectionFallbackQualities {
		buf.Reset()
		if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("failed to encode detection image: %w", err)
		}
		if buf.Len() <= MaxDetectionBytes {
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("detection image still %d bytes after recompression", buf.Len())
}

// UploadKey reserves a fresh key for a direct client upload.
func UploadKey(galleryID uint, contentType string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID for upload: %w", err)
	}
	ext := supportedImageTypes[normalizeContentType(contentType)]
	if ext == "" {
		return "", fmt.Errorf("unsupported content type '%s'", contentType)
	}
	return fmt.Sprintf("%suploads/%s%s", GalleryPrefix(galleryID), id.String(), ext), nil
}
