package media

import (
	"bytes"
	"image"
	"log/slog"

	"github.com/rwcarlsen/goexif/exif"
)

// ExtractMetadata reads dimensions and capture time from image bytes.
// Missing EXIF is not an error; the fields are left nil.
func ExtractMetadata(data []byte) Metadata {
	var meta Metadata

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		w, h := cfg.Width, cfg.Height
		meta.Width = &w
		meta.Height = &h
	}

	exifData, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("no EXIF data", "error", err)
		return meta
	}
	if dt, err := exifData.DateTime(); err == nil {
		ts := dt.Unix()
		meta.TakenAt = &ts
	}
	return meta
}
