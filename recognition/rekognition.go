package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

const defaultSearchMaxFaces = 4096

// RekognitionAPI is the slice of the AWS client used here.
type RekognitionAPI interface {
	CreateCollection(ctx context.Context, params *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
	DeleteCollection(ctx context.Context, params *rekognition.DeleteCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteCollectionOutput, error)
	IndexFaces(ctx context.Context, params *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	SearchFaces(ctx context.Context, params *rekognition.SearchFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesOutput, error)
	SearchFacesByImage(ctx context.Context, params *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
}

// Rekognition implements Service on AWS Rekognition collections.
type Rekognition struct {
	client   RekognitionAPI
	maxFaces int32
}

func NewRekognition(cfg aws.Config, maxFacesPerImage int) *Rekognition {
	return NewRekognitionWithClient(rekognition.NewFromConfig(cfg), maxFacesPerImage)
}

func NewRekognitionWithClient(client RekognitionAPI, maxFacesPerImage int) *Rekognition {
	if maxFacesPerImage <= 0 {
		maxFacesPerImage = 100
	}
	return &Rekognition{client: client, maxFaces: int32(maxFacesPerImage)}
}

func (r *Rekognition) CreateCollection(ctx context.Context, collectionID string) error {
	_, err := r.client.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	var exists *types.ResourceAlreadyExistsException
	if errors.As(err, &exists) {
		slog.Info("face collection already exists", "collection_id", collectionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collectionID, classify(err, false))
	}
	return nil
}

func (r *Rekognition) DeleteCollection(ctx context.Context, collectionID string) error {
	_, err := r.client.DeleteCollection(ctx, &rekognition.DeleteCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collectionID, classify(err, false))
	}
	return nil
}

func (r *Rekognition) IndexFaces(ctx context.Context, collectionID, externalImageID string, image []byte) ([]Face, error) {
	out, err := r.client.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:        aws.String(collectionID),
		ExternalImageId:     aws.String(externalImageID),
		Image:               &types.Image{Bytes: image},
		MaxFaces:            aws.Int32(r.maxFaces),
		QualityFilter:       types.QualityFilterAuto,
		DetectionAttributes: []types.Attribute{types.AttributeDefault},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index faces for %s: %w", externalImageID, classify(err, false))
	}

	faces := make([]Face, 0, len(out.FaceRecords))
	for _, rec := range out.FaceRecords {
		if rec.Face == nil || rec.Face.FaceId == nil {
			continue
		}
		f := Face{
			ExternalID: aws.ToString(rec.Face.FaceId),
			Confidence: aws.ToFloat32(rec.Face.Confidence),
		}
		if bb := rec.Face.BoundingBox; bb != nil {
			f.Box = BoundingBox{
				Left:   aws.ToFloat32(bb.Left),
				Top:    aws.ToFloat32(bb.Top),
				Width:  aws.ToFloat32(bb.Width),
				Height: aws.ToFloat32(bb.Height),
			}
		}
		faces = append(faces, f)
	}
	if n := len(out.UnindexedFaces); n > 0 {
		slog.Debug("faces skipped by quality filter", "external_image_id", externalImageID, "count", n)
	}
	return faces, nil
}

func (r *Rekognition) SearchFaces(ctx context.Context, collectionID, faceID string, threshold float32) ([]Match, error) {
	out, err := r.client.SearchFaces(ctx, &rekognition.SearchFacesInput{
		CollectionId:       aws.String(collectionID),
		FaceId:             aws.String(faceID),
		FaceMatchThreshold: aws.Float32(threshold),
		MaxFaces:           aws.Int32(defaultSearchMaxFaces),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search faces similar to %s: %w", faceID, classify(err, false))
	}
	return toMatches(out.FaceMatches), nil
}

func (r *Rekognition) SearchFacesByImage(ctx context.Context, collectionID string, image []byte, threshold float32) ([]Match, error) {
	out, err := r.client.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(collectionID),
		Image:              &types.Image{Bytes: image},
		FaceMatchThreshold: aws.Float32(threshold),
		MaxFaces:           aws.Int32(defaultSearchMaxFaces),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search collection by image: %w", classify(err, true))
	}
	return toMatches(out.FaceMatches), nil
}

func toMatches(in []types.FaceMatch) []Match {
	matches := make([]Match, 0, len(in))
	for _, m := range in {
		if m.Face == nil || m.Face.FaceId == nil {
			continue
		}
		matches = append(matches, Match{
			FaceID:     aws.ToString(m.Face.FaceId),
			Similarity: aws.ToFloat32(m.Similarity),
		})
	}
	return matches
}

// classify maps AWS exceptions onto the package sentinels, keeping the
// original error in the chain. byImage marks calls where an invalid
// parameter means the query image had no usable face.
func classify(err error, byImage bool) error {
	var (
		notFound   *types.ResourceNotFoundException
		denied     *types.AccessDeniedException
		throttled  *types.ThrottlingException
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.LimitExceededException
		format     *types.InvalidImageFormatException
		tooLarge   *types.ImageTooLargeException
		invalid    *types.InvalidParameterException
	)
	switch {
	case errors.As(err, &notFound):
		return errors.Join(ErrCollectionNotFound, err)
	case errors.As(err, &denied):
		return errors.Join(ErrAccessDenied, err)
	case errors.As(err, &throttled), errors.As(err, &throughput), errors.As(err, &limit):
		return errors.Join(ErrThrottled, err)
	case errors.As(err, &format), errors.As(err, &tooLarge):
		return errors.Join(ErrInvalidImage, err)
	case errors.As(err, &invalid):
		if byImage {
			return errors.Join(ErrNoFaceInImage, err)
		}
		return errors.Join(ErrInvalidImage, err)
	}
	return err
}
