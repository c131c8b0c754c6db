package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/workers"
)

// PipelineOptions tunes a processing run.
type PipelineOptions struct {
	CollectionPrefix string
	ClusterThreshold float32
	MatchThreshold   float32
	DetectionMaxSize int
	// Pacing spaces out recognition calls; throttling failures slow it down.
	Pacing workers.BackoffPolicy
	// ThrottleRetries is how often a throttled search is retried before the
	// error counts. Zero means the default of 3.
	ThrottleRetries int
	Sleep           func(ctx context.Context, d time.Duration) error
	Now             func() time.Time
}

const defaultThrottleRetries = 3

// Pipeline runs detection, clustering and matching for one gallery.
type Pipeline struct {
	repos       repository.Repositories
	recognition recognition.Service
	storage     media.Store
	events      realtime.Publisher
	opts        PipelineOptions
}

func NewPipeline(repos repository.Repositories, rec recognition.Service, storage media.Store, events realtime.Publisher, opts PipelineOptions) *Pipeline {
	if opts.Sleep == nil {
		opts.Sleep = workers.SleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CollectionPrefix == "" {
		opts.CollectionPrefix = "gallery"
	}
	if opts.ThrottleRetries <= 0 {
		opts.ThrottleRetries = defaultThrottleRetries
	}
	if events == nil {
		events = realtime.Discard{}
	}
	return &Pipeline{repos: repos, recognition: rec, storage: storage, events: events, opts: opts}
}

// Run processes a gallery that the caller already moved to processing. It
// always leaves the gallery completed or failed.
func (p *Pipeline) Run(ctx context.Context, galleryID uint) (err error) {
	started := p.opts.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PhaseError{Phase: PhaseDetection, Err: fmt.Errorf("panic: %v", r)}
			slog.Error("processing run panicked", "gallery_id", galleryID, "panic", r)
			p.fail(ctx, galleryID, err)
		}
	}()

	slog.Info("processing started", "gallery_id", galleryID)
	if err = p.run(ctx, galleryID); err != nil {
		slog.Error("processing failed", "gallery_id", galleryID, "error", err)
		p.fail(ctx, galleryID, err)
		return err
	}

	now := p.opts.Now().Unix()
	if err = p.repos.Galleries.MarkCompleted(context.WithoutCancel(ctx), galleryID, now); err != nil {
		slog.Error("failed to mark gallery completed", "gallery_id", galleryID, "error", err)
		err = &PhaseError{Phase: PhaseMatching, Err: err}
		p.fail(ctx, galleryID, err)
		return err
	}
	p.events.Broadcast(realtime.Event{Type: realtime.EventGalleryStatus, GalleryID: galleryID, Status: database.GalleryCompleted})
	slog.Info("processing completed", "gallery_id", galleryID, "duration", p.opts.Now().Sub(started))
	return nil
}

func (p *Pipeline) run(ctx context.Context, galleryID uint) error {
	gallery, err := p.repos.Galleries.GetByID(ctx, galleryID)
	if err != nil {
		return &PhaseError{Phase: PhaseDetection, Err: err}
	}

	collectionID, err := p.ensureCollection(ctx, gallery)
	if err != nil {
		return &PhaseError{Phase: PhaseDetection, Err: err}
	}
	if err := p.detect(ctx, galleryID, collectionID); err != nil {
		return err
	}

	if err := p.enterPhase(ctx, galleryID, database.GalleryClustering); err != nil {
		return &PhaseError{Phase: PhaseClustering, Err: err}
	}
	if err := p.cluster(ctx, galleryID, collectionID); err != nil {
		return &PhaseError{Phase: PhaseClustering, Err: err}
	}

	if err := p.enterPhase(ctx, galleryID, database.GalleryMatching); err != nil {
		return &PhaseError{Phase: PhaseMatching, Err: err}
	}
	if err := p.match(ctx, gallery, collectionID); err != nil {
		return &PhaseError{Phase: PhaseMatching, Err: err}
	}
	return nil
}

// ensureCollection creates the gallery's face collection on first use and
// stores its id before any image is indexed.
func (p *Pipeline) ensureCollection(ctx context.Context, gallery *models.Gallery) (string, error) {
	if gallery.CollectionID != nil && *gallery.CollectionID != "" {
		return *gallery.CollectionID, nil
	}
	id := fmt.Sprintf("%s-%d-%s", p.opts.CollectionPrefix, gallery.ID, uuid.NewString()[:8])
	if err := p.recognition.CreateCollection(ctx, id); err != nil {
		return "", fmt.Errorf("failed to create face collection: %w", err)
	}
	if err := p.repos.Galleries.SetCollectionID(ctx, gallery.ID, id); err != nil {
		// the collection exists remotely but is not recorded; drop it
		if delErr := p.recognition.DeleteCollection(context.WithoutCancel(ctx), id); delErr != nil {
			slog.Warn("failed to delete unrecorded collection", "collection_id", id, "error", delErr)
		}
		return "", err
	}
	slog.Info("face collection created", "gallery_id", gallery.ID, "collection_id", id)
	return id, nil
}

func (p *Pipeline) detect(ctx context.Context, galleryID uint, collectionID string) error {
	images, err := p.repos.Images.ListPending(ctx, galleryID)
	if err != nil {
		return &PhaseError{Phase: PhaseDetection, Err: err}
	}
	gallery, err := p.repos.Galleries.GetByID(ctx, galleryID)
	if err != nil {
		return &PhaseError{Phase: PhaseDetection, Err: err}
	}
	processed := gallery.ProcessedImages

	pacing := p.opts.Pacing.Initial()
	for i := range images {
		image := &images[i]
		if err := ctx.Err(); err != nil {
			return &PhaseError{Phase: PhaseDetection, Err: err}
		}

		outcome := workers.Success
		failure := ""
		faces, err := p.detectImage(ctx, collectionID, image)
		switch {
		case err == nil:
			saveErr := p.repos.Images.SaveDetectionResult(ctx, image, faces, p.opts.Now().Unix())
			if errors.Is(saveErr, repository.ErrNotPending) {
				slog.Warn("image left pending state during detection", "gallery_id", galleryID, "image_id", image.ID)
			} else if saveErr != nil {
				return &PhaseError{Phase: PhaseDetection, Err: saveErr}
			} else {
				processed++
			}
		case recognition.IsFatal(err) || ctx.Err() != nil:
			return &PhaseError{Phase: PhaseDetection, Err: err}
		default:
			outcome = workers.Failure
			itemErr := &ItemError{ImageID: image.ID, Err: err}
			slog.Warn("image detection failed", "gallery_id", galleryID, "image_id", image.ID, "error", itemErr)
			if markErr := p.repos.Images.MarkFailed(ctx, image.ID, err.Error(), p.opts.Now().Unix()); markErr != nil {
				return &PhaseError{Phase: PhaseDetection, Err: fmt.Errorf("%v: %w", itemErr, markErr)}
			}
			failure = itemErr.Error()
		}

		p.events.Broadcast(realtime.Event{
			Type:      realtime.EventImageProcessed,
			GalleryID: galleryID,
			Status:    database.GalleryProcessing,
			Processed: processed,
			Total:     gallery.TotalImages,
			Error:     failure,
			Extra:     map[string]interface{}{"image_id": image.ID, "faces": len(faces)},
		})

		var wait time.Duration
		pacing, wait = workers.NextDelay(p.opts.Pacing, pacing, outcome)
		if i == len(images)-1 {
			break
		}
		if err := p.opts.Sleep(ctx, wait); err != nil {
			return &PhaseError{Phase: PhaseDetection, Err: err}
		}
	}
	return nil
}

// detectImage returns the faces found in one image. Errors are per item
// unless recognition.IsFatal says otherwise.
func (p *Pipeline) detectImage(ctx context.Context, collectionID string, image *models.GalleryImage) ([]models.DetectedFace, error) {
	data, err := media.ReadObject(ctx, p.storage, image.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	prepared, err := media.PrepareForDetection(data, p.opts.DetectionMaxSize)
	if err != nil {
		return nil, err
	}
	found, err := p.recognition.IndexFaces(ctx, collectionID, externalImageID(image.ID), prepared)
	if err != nil {
		return nil, err
	}

	faces := make([]models.DetectedFace, 0, len(found))
	for _, f := range found {
		faces = append(faces, models.DetectedFace{
			ExternalFaceID: f.ExternalID,
			Left:           f.Box.Left,
			Top:            f.Box.Top,
			Width:          f.Box.Width,
			Height:         f.Box.Height,
			Confidence:     f.Confidence,
		})
	}
	return faces, nil
}

// cluster regroups every face outside a verified cluster. Verified clusters
// keep their members and absorb new faces that resemble one of them.
func (p *Pipeline) cluster(ctx context.Context, galleryID uint, collectionID string) error {
	faces, err := p.repos.Faces.ListByGallery(ctx, galleryID)
	if err != nil {
		return err
	}
	existing, err := p.repos.Clusters.ListByGallery(ctx, galleryID, nil)
	if err != nil {
		return err
	}
	verified := make(map[uint]bool)
	for _, c := range existing {
		if c.IsVerified {
			verified[c.ID] = true
		}
	}

	byExternal := make(map[string]uint, len(faces))
	anchored := make(map[uint]uint)
	open := make([]models.DetectedFace, 0, len(faces))
	for _, f := range faces {
		byExternal[f.ExternalFaceID] = f.ID
		if f.ClusterID != nil && verified[*f.ClusterID] {
			anchored[f.ID] = *f.ClusterID
			continue
		}
		open = append(open, f)
	}

	pc := p.newPacer()
	var edges []faceEdge
	for _, f := range open {
		var matches []recognition.Match
		err := pc.do(ctx, func() error {
			var err error
			matches, err = p.recognition.SearchFaces(ctx, collectionID, f.ExternalFaceID, p.opts.ClusterThreshold)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to search similar faces for face %d: %w", f.ID, err)
		}
		for _, m := range matches {
			if other, ok := byExternal[m.FaceID]; ok && other != f.ID {
				edges = append(edges, faceEdge{A: f.ID, B: other, Similarity: m.Similarity})
			}
		}
	}

	plan := planClusters(open, edges, anchored)
	created, err := p.repos.Clusters.ReplaceClusters(ctx, galleryID, plan)
	if err != nil {
		return err
	}
	total := len(verified) + len(created)
	slog.Info("clustering finished", "gallery_id", galleryID, "faces", len(faces),
		"clusters", total, "verified", len(verified), "attached_groups", len(plan.Attachments))
	p.events.Broadcast(realtime.Event{
		Type:      realtime.EventClustersUpdated,
		GalleryID: galleryID,
		Status:    database.GalleryClustering,
		Total:     total,
	})
	return nil
}

func (p *Pipeline) match(ctx context.Context, gallery *models.Gallery, collectionID string) error {
	participants, err := p.repos.Participants.ListWithReference(ctx, gallery.EventID)
	if err != nil {
		return err
	}
	if len(participants) == 0 {
		slog.Info("no participants with reference photos, skipping matching", "gallery_id", gallery.ID)
		return nil
	}

	faces, err := p.repos.Faces.ListByGallery(ctx, gallery.ID)
	if err != nil {
		return err
	}
	clusterOf := make(map[string]uint, len(faces))
	for _, f := range faces {
		if f.ClusterID != nil {
			clusterOf[f.ExternalFaceID] = *f.ClusterID
		}
	}

	clusters, err := p.repos.Clusters.ListByGallery(ctx, gallery.ID, nil)
	if err != nil {
		return err
	}
	locked := make(map[uint]bool)
	taken := make(map[uint]bool)
	for _, c := range clusters {
		if c.IsVerified {
			locked[c.ID] = true
			if c.ParticipantID != nil {
				taken[*c.ParticipantID] = true
			}
		}
	}

	pc := p.newPacer()
	var candidates []matchCandidate
	for _, participant := range participants {
		best, err := p.matchParticipant(ctx, pc, collectionID, participant, clusterOf)
		if err != nil {
			if recognition.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			slog.Warn("participant matching skipped", "gallery_id", gallery.ID, "participant_id", participant.ID, "error", err)
			continue
		}
		for clusterID, sim := range best {
			candidates = append(candidates, matchCandidate{ClusterID: clusterID, ParticipantID: participant.ID, Similarity: sim})
		}
	}

	matches := assignMatches(candidates, locked, taken)
	applied, err := p.repos.Clusters.ApplyMatches(ctx, gallery.ID, matches)
	if err != nil {
		return err
	}
	slog.Info("matching finished", "gallery_id", gallery.ID, "participants", len(participants), "matched_clusters", applied)
	return nil
}

// matchParticipant returns the best similarity per cluster for one
// participant's reference photo.
func (p *Pipeline) matchParticipant(ctx context.Context, pc *pacer, collectionID string, participant models.Participant, clusterOf map[string]uint) (map[uint]float32, error) {
	data, err := media.ReadObject(ctx, p.storage, *participant.ReferenceImageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference photo: %w", err)
	}
	prepared, err := media.PrepareForDetection(data, p.opts.DetectionMaxSize)
	if err != nil {
		return nil, err
	}
	var matches []recognition.Match
	err = pc.do(ctx, func() error {
		var err error
		matches, err = p.recognition.SearchFacesByImage(ctx, collectionID, prepared, p.opts.MatchThreshold)
		return err
	})
	if err != nil {
		return nil, err
	}
	best := make(map[uint]float32)
	for _, m := range matches {
		clusterID, ok := clusterOf[m.FaceID]
		if !ok {
			continue
		}
		if m.Similarity > best[clusterID] {
			best[clusterID] = m.Similarity
		}
	}
	return best, nil
}

func (p *Pipeline) enterPhase(ctx context.Context, galleryID uint, status string) error {
	if err := p.repos.Galleries.SetStatus(ctx, galleryID, status); err != nil {
		return err
	}
	slog.Info("processing phase started", "gallery_id", galleryID, "phase", status)
	p.events.Broadcast(realtime.Event{Type: realtime.EventGalleryStatus, GalleryID: galleryID, Status: status})
	return nil
}

func (p *Pipeline) fail(ctx context.Context, galleryID uint, cause error) {
	if err := p.repos.Galleries.MarkFailed(context.WithoutCancel(ctx), galleryID, cause.Error()); err != nil {
		slog.Error("failed to mark gallery failed", "gallery_id", galleryID, "error", err)
	}
	p.events.Broadcast(realtime.Event{
		Type:      realtime.EventGalleryStatus,
		GalleryID: galleryID,
		Status:    database.GalleryFailed,
		Error:     cause.Error(),
	})
}

func externalImageID(imageID uint) string {
	return fmt.Sprintf("image-%d", imageID)
}

// pacer spaces out the recognition calls of one phase with the adaptive
// backoff and retries throttled calls.
type pacer struct {
	policy  workers.BackoffPolicy
	state   workers.Backoff
	wait    time.Duration
	started bool
	retries int
	sleep   func(ctx context.Context, d time.Duration) error
}

func (p *Pipeline) newPacer() *pacer {
	return &pacer{
		policy:  p.opts.Pacing,
		state:   p.opts.Pacing.Initial(),
		retries: p.opts.ThrottleRetries,
		sleep:   p.opts.Sleep,
	}
}

// do runs call after the current delay. A throttled call is retried up to
// retries times; the last error is returned.
func (pc *pacer) do(ctx context.Context, call func() error) error {
	for attempt := 0; ; attempt++ {
		if pc.started {
			if err := pc.sleep(ctx, pc.wait); err != nil {
				return err
			}
		}
		pc.started = true

		err := call()
		outcome := workers.Success
		if err != nil {
			outcome = workers.Failure
		}
		pc.state, pc.wait = workers.NextDelay(pc.policy, pc.state, outcome)
		if !errors.Is(err, recognition.ErrThrottled) || attempt >= pc.retries {
			return err
		}
		slog.Warn("recognition call throttled, retrying", "attempt", attempt+1, "delay", pc.wait)
	}
}
