// Package recognition wraps the external face collection service.
package recognition

import (
	"context"
	"errors"
)

var (
	// fatal: the run cannot continue against this collection
	ErrCollectionNotFound = errors.New("face collection not found")
	ErrAccessDenied       = errors.New("recognition service access denied")

	// per item: the next image may still succeed
	ErrThrottled     = errors.New("recognition service throttled the request")
	ErrInvalidImage  = errors.New("image rejected by recognition service")
	ErrNoFaceInImage = errors.New("no face found in image")
)

// IsFatal reports whether err should abort the current phase instead of
// being recorded against a single image.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCollectionNotFound) || errors.Is(err, ErrAccessDenied)
}

// BoundingBox is expressed as ratios of the image width and height.
type BoundingBox struct {
	Left   float32
	Top    float32
	Width  float32
	Height float32
}

// Face is one face indexed into a collection.
type Face struct {
	ExternalID string
	Box        BoundingBox
	Confidence float32
}

// Match is a collection face similar to the query.
type Match struct {
	FaceID     string
	Similarity float32
}

// Service is the subset of the face collection API the pipeline uses.
type Service interface {
	CreateCollection(ctx context.Context, collectionID string) error
	// DeleteCollection returns ErrCollectionNotFound when it is already gone.
	DeleteCollection(ctx context.Context, collectionID string) error
	// IndexFaces detects faces in image and adds them to the collection.
	IndexFaces(ctx context.Context, collectionID, externalImageID string, image []byte) ([]Face, error)
	SearchFaces(ctx context.Context, collectionID, faceID string, threshold float32) ([]Match, error)
	SearchFacesByImage(ctx context.Context, collectionID string, image []byte, threshold float32) ([]Match, error)
}
