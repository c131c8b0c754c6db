package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
)

// TestPipelineCompletesDespiteFailedImages runs ten images where two are
// rejected by detection. The run still completes and only the eight good
// images contribute faces.
func TestPipelineCompletesDespiteFailedImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, imgs := env.seedGallery(t, 10)

	bad := map[string]bool{
		externalImageID(imgs[2].ID): true,
		externalImageID(imgs[6].ID): true,
	}
	env.rec.indexErr = func(id string) error {
		if bad[id] {
			return recognition.ErrInvalidImage
		}
		return nil
	}
	env.rec.groupOf = func(id string) string {
		if imageNumber(id)%2 == 0 {
			return "even"
		}
		return "odd"
	}

	if ok, err := env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1); !ok || err != nil {
		t.Fatalf("TryStartProcessing = %v, %v", ok, err)
	}
	if err := env.pipeline.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := env.gallery.GetGallery(ctx, g.ID)
	if got.Status != database.GalleryCompleted {
		t.Fatalf("status = %s, want completed (last error %v)", got.Status, got.LastError)
	}
	if got.TotalFaces != 8 || got.ProcessedImages != 8 {
		t.Fatalf("faces = %d processed = %d, want 8 and 8", got.TotalFaces, got.ProcessedImages)
	}
	if got.ProcessingCompletedAt == nil || got.CollectionID == nil {
		t.Fatalf("gallery = %+v, want completion time and collection", got)
	}
	if len(env.rec.created) != 1 {
		t.Fatalf("collections created = %d, want 1", len(env.rec.created))
	}

	for _, i := range []int{2, 6} {
		img, _ := env.repos.Images.GetByID(ctx, imgs[i].ID)
		if img.Status != database.ImageFailed || img.ErrorMessage == nil {
			t.Fatalf("image %d = %s/%v, want failed with message", img.ID, img.Status, img.ErrorMessage)
		}
	}

	clusters, _ := env.gallery.ListClusters(ctx, g.ID, nil)
	if len(clusters) != 2 || got.TotalClusters != 2 {
		t.Fatalf("clusters = %d (total %d), want 2", len(clusters), got.TotalClusters)
	}
	members := 0
	for _, c := range clusters {
		members += c.MemberCount
	}
	if members != 8 {
		t.Fatalf("clustered faces = %d, want 8", members)
	}
}

// TestPipelineMatchesParticipants verifies a participant whose reference
// photo hits one cluster is linked to it and the other cluster stays open.
func TestPipelineMatchesParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 4)
	env.rec.groupOf = func(id string) string {
		if imageNumber(id)%2 == 0 {
			return "even"
		}
		return "odd"
	}

	alice := &models.Participant{Name: "Alice"}
	if err := env.gallery.CreateParticipant(ctx, alice); err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	if _, err := env.gallery.SetParticipantReference(ctx, alice.ID, "alice.png", "image/png", testPNG(t, 99)); err != nil {
		t.Fatalf("SetParticipantReference: %v", err)
	}
	env.rec.byImageGroup = "even"

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	if err := env.pipeline.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assigned := true
	matched, _ := env.gallery.ListClusters(ctx, g.ID, &assigned)
	if len(matched) != 1 {
		t.Fatalf("assigned clusters = %d, want 1", len(matched))
	}
	if matched[0].ParticipantID == nil || *matched[0].ParticipantID != alice.ID {
		t.Fatalf("cluster participant = %v, want %d", matched[0].ParticipantID, alice.ID)
	}
	if matched[0].MatchConfidence == nil || *matched[0].MatchConfidence != 93 {
		t.Fatalf("confidence = %v, want 93", matched[0].MatchConfidence)
	}
	unassigned := false
	open, _ := env.gallery.ListClusters(ctx, g.ID, &unassigned)
	if len(open) != 1 {
		t.Fatalf("unassigned clusters = %d, want 1", len(open))
	}
}

// TestPipelineFatalErrorFailsGallery verifies a lost collection aborts the
// run, records the error and leaves the completion time unset.
func TestPipelineFatalErrorFailsGallery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 3)
	env.rec.indexErr = func(string) error { return recognition.ErrCollectionNotFound }

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	err := env.pipeline.Run(ctx, g.ID)
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseDetection {
		t.Fatalf("Run err = %v, want detection PhaseError", err)
	}

	got, _ := env.gallery.GetGallery(ctx, g.ID)
	if got.Status != database.GalleryFailed || got.LastError == nil {
		t.Fatalf("gallery = %s/%v, want failed with error", got.Status, got.LastError)
	}
	if got.ProcessingCompletedAt != nil {
		t.Fatalf("processing_completed_at = %d, want unset", *got.ProcessingCompletedAt)
	}
}

// TestPipelineReusesStoredCollection verifies a retry does not create a
// second collection when one is already recorded.
func TestPipelineReusesStoredCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 1)
	_ = env.rec.CreateCollection(ctx, "existing")
	_ = env.repos.Galleries.SetCollectionID(ctx, g.ID, "existing")

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	if err := env.pipeline.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.rec.created) != 1 {
		t.Fatalf("collections created = %v, want only the seeded one", env.rec.created)
	}
}

// TestPipelineRetriesThrottledCalls verifies one throttled search in each
// phase is retried instead of failing the run or skipping the participant.
func TestPipelineRetriesThrottledCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 5)
	env.rec.groupOf = func(string) string { return "same" }
	env.rec.throttleSearches = 1
	env.rec.throttleByImage = 1

	alice := &models.Participant{Name: "Alice"}
	_ = env.gallery.CreateParticipant(ctx, alice)
	if _, err := env.gallery.SetParticipantReference(ctx, alice.ID, "alice.png", "image/png", testPNG(t, 99)); err != nil {
		t.Fatalf("SetParticipantReference: %v", err)
	}
	env.rec.byImageGroup = "same"

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	if err := env.pipeline.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := env.gallery.GetGallery(ctx, g.ID)
	if got.Status != database.GalleryCompleted {
		t.Fatalf("status = %s, want completed (last error %v)", got.Status, got.LastError)
	}
	if env.rec.searchCalls != 6 || env.rec.calls != 2 {
		t.Fatalf("search calls = %d by-image calls = %d, want 6 and 2", env.rec.searchCalls, env.rec.calls)
	}
	clusters, _ := env.gallery.ListClusters(ctx, g.ID, nil)
	if len(clusters) != 1 || clusters[0].MemberCount != 5 {
		t.Fatalf("clusters = %+v, want one cluster of 5", clusters)
	}
	if clusters[0].ParticipantID == nil || *clusters[0].ParticipantID != alice.ID {
		t.Fatalf("cluster participant = %v, want %d", clusters[0].ParticipantID, alice.ID)
	}
}

// TestPipelineGivesUpOnPersistentThrottling verifies clustering fails once
// the retries are used up.
func TestPipelineGivesUpOnPersistentThrottling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 2)
	env.rec.throttleSearches = 100

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	err := env.pipeline.Run(ctx, g.ID)
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseClustering || !errors.Is(err, recognition.ErrThrottled) {
		t.Fatalf("Run err = %v, want throttled clustering PhaseError", err)
	}
	if env.rec.searchCalls != 1+defaultThrottleRetries {
		t.Fatalf("search calls = %d, want %d", env.rec.searchCalls, 1+defaultThrottleRetries)
	}
	got, _ := env.gallery.GetGallery(ctx, g.ID)
	if got.Status != database.GalleryFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

// TestPipelineReportsFailedImages verifies a rejected image is announced
// with its own error while the run goes on.
func TestPipelineReportsFailedImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, imgs := env.seedGallery(t, 2)
	bad := externalImageID(imgs[0].ID)
	env.rec.indexErr = func(id string) error {
		if id == bad {
			return recognition.ErrInvalidImage
		}
		return nil
	}
	events := &eventLog{}
	pipeline := NewPipeline(env.repos, env.rec, env.storage, events, env.pipeline.opts)

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	if err := pipeline.Run(ctx, g.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	processed := events.ofType(realtime.EventImageProcessed)
	if len(processed) != 2 {
		t.Fatalf("image events = %d, want 2", len(processed))
	}
	want := fmt.Sprintf("image %d: ", imgs[0].ID)
	if !strings.HasPrefix(processed[0].Error, want) {
		t.Fatalf("failed image event error = %q, want prefix %q", processed[0].Error, want)
	}
	if processed[1].Error != "" {
		t.Fatalf("good image event error = %q, want none", processed[1].Error)
	}
}

type completionFailure struct {
	repository.GalleryRepositoryInterface
}

func (completionFailure) MarkCompleted(context.Context, uint, int64) error {
	return errors.New("database is locked")
}

// TestPipelineFailsWhenCompletionIsNotRecorded verifies the gallery still
// ends in a terminal state when the completed status cannot be written.
func TestPipelineFailsWhenCompletionIsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g, _ := env.seedGallery(t, 1)
	repos := env.repos
	repos.Galleries = completionFailure{env.repos.Galleries}
	pipeline := NewPipeline(repos, env.rec, env.storage, nil, env.pipeline.opts)

	_, _ = env.repos.Galleries.TryStartProcessing(ctx, g.ID, 1)
	if err := pipeline.Run(ctx, g.ID); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	got, _ := env.gallery.GetGallery(ctx, g.ID)
	if got.Status != database.GalleryFailed || got.LastError == nil {
		t.Fatalf("gallery = %s/%v, want failed with error", got.Status, got.LastError)
	}
	if err := env.gallery.StartProcessing(ctx, g.ID); err != nil {
		t.Fatalf("StartProcessing after failure: %v", err)
	}
	env.executor.Wait()
}
