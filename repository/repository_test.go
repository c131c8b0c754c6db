package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/eventgallery/config"
	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.Config{
		DBDriver:     config.DBDriverSQLite,
		DatabasePath: filepath.Join(t.TempDir(), "gallery.db"),
	}
	db, err := database.InitGormDB(cfg, database.Options{LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("InitGormDB: %v", err)
	}
	if err := database.AutoMigrateModels(db); err != nil {
		t.Fatalf("AutoMigrateModels: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedGallery(t *testing.T, db *gorm.DB, images int) (*models.Gallery, []models.GalleryImage) {
	t.Helper()
	ctx := context.Background()
	galleries := NewGalleryRepository(db)
	imageRepo := NewImageRepository(db)

	g := &models.Gallery{Name: "Spring Gala"}
	if err := galleries.Create(ctx, g); err != nil {
		t.Fatalf("Create gallery: %v", err)
	}
	out := make([]models.GalleryImage, 0, images)
	for i := 0; i < images; i++ {
		img := models.GalleryImage{
			GalleryID:    g.ID,
			StorageKey:   "galleries/x/" + string(rune('a'+i)) + ".jpg",
			OriginalName: string(rune('a'+i)) + ".jpg",
			ContentType:  "image/jpeg",
			ContentHash:  "hash-" + string(rune('a'+i)),
		}
		if err := imageRepo.AddToGallery(ctx, &img); err != nil {
			t.Fatalf("AddToGallery: %v", err)
		}
		out = append(out, img)
	}
	return g, out
}

// TestTryStartProcessingRejectsActiveGallery verifies only one processing run
// can claim a gallery.
func TestTryStartProcessingRejectsActiveGallery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, _ := seedGallery(t, db, 1)
	repo := NewGalleryRepository(db)

	ok, err := repo.TryStartProcessing(ctx, g.ID, 100)
	if err != nil || !ok {
		t.Fatalf("first start = %v, %v, want true", ok, err)
	}
	ok, err = repo.TryStartProcessing(ctx, g.ID, 101)
	if err != nil || ok {
		t.Fatalf("second start = %v, %v, want false", ok, err)
	}

	if err := repo.MarkFailed(ctx, g.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	ok, err = repo.TryStartProcessing(ctx, g.ID, 102)
	if err != nil || !ok {
		t.Fatalf("restart after failure = %v, %v, want true", ok, err)
	}
	got, _ := repo.GetByID(ctx, g.ID)
	if got.LastError != nil || got.ProcessingStartedAt == nil || *got.ProcessingStartedAt != 102 {
		t.Fatalf("gallery after restart = %+v", got)
	}
}

// TestAddToGalleryRejectsDuplicateContent verifies the same bytes are stored once per gallery.
func TestAddToGalleryRejectsDuplicateContent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 2)
	repo := NewImageRepository(db)

	dup := models.GalleryImage{
		GalleryID:    g.ID,
		StorageKey:   "galleries/x/dup.jpg",
		OriginalName: "dup.jpg",
		ContentType:  "image/jpeg",
		ContentHash:  imgs[0].ContentHash,
	}
	if err := repo.AddToGallery(ctx, &dup); !errors.Is(err, ErrDuplicateImage) {
		t.Fatalf("AddToGallery duplicate = %v, want %v", err, ErrDuplicateImage)
	}
	got, _ := NewGalleryRepository(db).GetByID(ctx, g.ID)
	if got.TotalImages != 2 {
		t.Fatalf("total_images = %d, want 2", got.TotalImages)
	}
}

// TestSaveDetectionResultAdvancesCounters verifies faces and counters are
// written together and a second save of the same image is refused.
func TestSaveDetectionResultAdvancesCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 2)
	repo := NewImageRepository(db)

	faces := []models.DetectedFace{
		{ExternalFaceID: "f1", Confidence: 99},
		{ExternalFaceID: "f2", Confidence: 98},
	}
	if err := repo.SaveDetectionResult(ctx, &imgs[0], faces, 200); err != nil {
		t.Fatalf("SaveDetectionResult: %v", err)
	}
	if err := repo.SaveDetectionResult(ctx, &imgs[0], nil, 201); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second save = %v, want %v", err, ErrNotPending)
	}
	if err := repo.MarkFailed(ctx, imgs[1].ID, "unreadable", 202); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := NewGalleryRepository(db).GetByID(ctx, g.ID)
	if got.ProcessedImages != 1 || got.TotalFaces != 2 {
		t.Fatalf("counters = %d processed %d faces, want 1 and 2", got.ProcessedImages, got.TotalFaces)
	}
	counts, err := repo.CountByStatus(ctx, g.ID)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts != (ImageStatusCounts{Processed: 1, Failed: 1}) {
		t.Fatalf("counts = %+v, want 1 processed 1 failed", counts)
	}
	pending, _ := repo.ListPending(ctx, g.ID)
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

// TestImageListPaginates verifies the status filter and page window.
func TestImageListPaginates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 5)
	repo := NewImageRepository(db)
	_ = repo.MarkFailed(ctx, imgs[4].ID, "bad", 1)

	page, total, err := repo.List(ctx, g.ID, database.ImagePending, Page{Page: 2, PageSize: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
	if len(page) != 1 || page[0].ID != imgs[3].ID {
		t.Fatalf("page = %+v, want only image %d", page, imgs[3].ID)
	}
}

// TestResetDerivedStateReturnsGalleryToPending verifies a reset clears faces,
// clusters and counters but keeps the images.
func TestResetDerivedStateReturnsGalleryToPending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 2)
	galleries := NewGalleryRepository(db)
	images := NewImageRepository(db)
	clusters := NewClusterRepository(db)

	_ = images.SaveDetectionResult(ctx, &imgs[0], []models.DetectedFace{{ExternalFaceID: "a"}, {ExternalFaceID: "b"}}, 5)
	faces, _ := NewFaceRepository(db).ListByGallery(ctx, g.ID)
	_, err := clusters.ReplaceClusters(ctx, g.ID, ClusterPlan{Drafts: []ClusterDraft{{
		FaceIDs:              []uint{faces[0].ID, faces[1].ID},
		RepresentativeFaceID: faces[0].ID,
	}}})
	if err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}
	_ = galleries.SetCollectionID(ctx, g.ID, "gallery-1")
	_ = galleries.MarkCompleted(ctx, g.ID, 9)

	if err := galleries.ResetDerivedState(ctx, g.ID); err != nil {
		t.Fatalf("ResetDerivedState: %v", err)
	}
	got, _ := galleries.GetByID(ctx, g.ID)
	if got.Status != database.GalleryPending || got.ProcessedImages != 0 || got.TotalFaces != 0 ||
		got.TotalClusters != 0 || got.CollectionID != nil || got.ProcessingCompletedAt != nil {
		t.Fatalf("gallery after reset = %+v", got)
	}
	if got.TotalImages != 2 {
		t.Fatalf("total_images = %d, want 2", got.TotalImages)
	}
	faces, _ = NewFaceRepository(db).ListByGallery(ctx, g.ID)
	list, _ := clusters.ListByGallery(ctx, g.ID, nil)
	if len(faces) != 0 || len(list) != 0 {
		t.Fatalf("faces = %d clusters = %d, want none", len(faces), len(list))
	}
	pending, _ := images.ListPending(ctx, g.ID)
	if len(pending) != 2 {
		t.Fatalf("pending images = %d, want 2", len(pending))
	}

	if err := galleries.ResetDerivedState(ctx, 999); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("reset of missing gallery = %v, want record not found", err)
	}
}

// TestApplyMatchesSkipsVerifiedClusters verifies operator assignments survive
// automatic matching and the assigned filter sees both kinds.
func TestApplyMatchesSkipsVerifiedClusters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 1)
	_ = NewImageRepository(db).SaveDetectionResult(ctx, &imgs[0],
		[]models.DetectedFace{{ExternalFaceID: "a"}, {ExternalFaceID: "b"}, {ExternalFaceID: "c"}}, 1)
	faces, _ := NewFaceRepository(db).ListByGallery(ctx, g.ID)

	clusters := NewClusterRepository(db)
	created, err := clusters.ReplaceClusters(ctx, g.ID, ClusterPlan{Drafts: []ClusterDraft{
		{FaceIDs: []uint{faces[0].ID, faces[1].ID}, RepresentativeFaceID: faces[0].ID,
			Similarities: map[uint]float32{faces[1].ID: 95}},
		{FaceIDs: []uint{faces[2].ID}, RepresentativeFaceID: faces[2].ID},
	}})
	if err != nil || len(created) != 2 {
		t.Fatalf("ReplaceClusters = %d, %v", len(created), err)
	}

	people := NewParticipantRepository(db)
	alice := &models.Participant{Name: "Alice"}
	bob := &models.Participant{Name: "Bob"}
	_ = people.Create(ctx, alice)
	_ = people.Create(ctx, bob)

	if err := clusters.Assign(ctx, created[1].ID, ClusterAssignment{ParticipantID: &bob.ID}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	n, err := clusters.ApplyMatches(ctx, g.ID, []ClusterMatch{
		{ClusterID: created[0].ID, ParticipantID: alice.ID, Confidence: 91},
		{ClusterID: created[1].ID, ParticipantID: alice.ID, Confidence: 88},
	})
	if err != nil || n != 1 {
		t.Fatalf("ApplyMatches = %d, %v, want 1", n, err)
	}

	verified, _ := clusters.GetByID(ctx, created[1].ID)
	if verified.ParticipantID == nil || *verified.ParticipantID != bob.ID || !verified.IsVerified {
		t.Fatalf("verified cluster = %+v, want Bob kept", verified)
	}
	assigned := true
	list, _ := clusters.ListByGallery(ctx, g.ID, &assigned)
	if len(list) != 2 {
		t.Fatalf("assigned clusters = %d, want 2", len(list))
	}
	if list[0].MemberCount != 2 {
		t.Fatalf("largest cluster first, got member_count %d", list[0].MemberCount)
	}

	members, _ := NewFaceRepository(db).ListByCluster(ctx, created[0].ID)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
}

// TestReplaceClustersKeepsVerifiedClusters verifies a later clustering pass
// rebuilds only unverified clusters and can grow a verified one.
func TestReplaceClustersKeepsVerifiedClusters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 2)
	images := NewImageRepository(db)
	_ = images.SaveDetectionResult(ctx, &imgs[0],
		[]models.DetectedFace{{ExternalFaceID: "a"}, {ExternalFaceID: "b"}, {ExternalFaceID: "c"}}, 1)
	faces, _ := NewFaceRepository(db).ListByGallery(ctx, g.ID)

	clusters := NewClusterRepository(db)
	created, err := clusters.ReplaceClusters(ctx, g.ID, ClusterPlan{Drafts: []ClusterDraft{
		{FaceIDs: []uint{faces[0].ID, faces[1].ID}, RepresentativeFaceID: faces[0].ID},
		{FaceIDs: []uint{faces[2].ID}, RepresentativeFaceID: faces[2].ID},
	}})
	if err != nil || len(created) != 2 {
		t.Fatalf("ReplaceClusters = %d, %v", len(created), err)
	}
	kept, dropped := created[0].ID, created[1].ID
	name := "Dana"
	if err := clusters.Assign(ctx, kept, ClusterAssignment{ManualName: &name}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	_ = clusters.MarkShared(ctx, kept, 7)

	_ = images.SaveDetectionResult(ctx, &imgs[1], []models.DetectedFace{{ExternalFaceID: "d"}}, 2)
	faces, _ = NewFaceRepository(db).ListByGallery(ctx, g.ID)
	newFace := faces[3].ID
	_, err = clusters.ReplaceClusters(ctx, g.ID, ClusterPlan{
		Drafts: []ClusterDraft{
			{FaceIDs: []uint{faces[2].ID}, RepresentativeFaceID: faces[2].ID},
			// held by the verified cluster; this draft ends up empty and is dropped
			{FaceIDs: []uint{faces[1].ID}, RepresentativeFaceID: faces[1].ID},
		},
		Attachments: []ClusterAttachment{{ClusterID: kept, FaceIDs: []uint{newFace}, Similarities: map[uint]float32{newFace: 94}}},
	})
	if err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	got, err := clusters.GetByID(ctx, kept)
	if err != nil {
		t.Fatalf("verified cluster: %v", err)
	}
	if !got.IsVerified || got.ManualName == nil || *got.ManualName != "Dana" || got.ShareStatus != database.ShareShared {
		t.Fatalf("verified cluster = %+v, want Dana shared", got)
	}
	if got.MemberCount != 3 {
		t.Fatalf("member_count = %d, want 3", got.MemberCount)
	}
	members, _ := NewFaceRepository(db).ListByCluster(ctx, kept)
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}
	if _, err := clusters.GetByID(ctx, dropped); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unverified cluster after rebuild = %v, want record not found", err)
	}
	gallery, _ := NewGalleryRepository(db).GetByID(ctx, g.ID)
	if gallery.TotalClusters != 2 {
		t.Fatalf("total_clusters = %d, want 2", gallery.TotalClusters)
	}
}

// TestShareThenView verifies viewing wins over a later share.
func TestShareThenView(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, imgs := seedGallery(t, db, 1)
	_ = NewImageRepository(db).SaveDetectionResult(ctx, &imgs[0], []models.DetectedFace{{ExternalFaceID: "a"}}, 1)
	faces, _ := NewFaceRepository(db).ListByGallery(ctx, g.ID)
	clusters := NewClusterRepository(db)
	created, _ := clusters.ReplaceClusters(ctx, g.ID, ClusterPlan{Drafts: []ClusterDraft{{FaceIDs: []uint{faces[0].ID}, RepresentativeFaceID: faces[0].ID}}})
	id := created[0].ID

	_ = clusters.MarkShared(ctx, id, 10)
	_ = clusters.RecordView(ctx, id, 11)
	_ = clusters.RecordView(ctx, id, 12)
	_ = clusters.MarkShared(ctx, id, 13)

	got, _ := clusters.GetByID(ctx, id)
	if got.ShareStatus != database.ShareViewed || got.ViewCount != 2 {
		t.Fatalf("cluster = %s/%d, want viewed/2", got.ShareStatus, got.ViewCount)
	}
	if err := clusters.RecordView(ctx, 999, 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("view of missing cluster = %v", err)
	}
}

// TestRecoverInterrupted verifies restart recovery fails running pipelines
// and releases abandoned imports.
func TestRecoverInterrupted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewGalleryRepository(db)
	running := &models.Gallery{Name: "a", Status: database.GalleryClustering}
	uploading := &models.Gallery{Name: "b", Status: database.GalleryUploading}
	done := &models.Gallery{Name: "c", Status: database.GalleryCompleted}
	for _, g := range []*models.Gallery{running, uploading, done} {
		if err := repo.Create(ctx, g); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	failed, reverted, err := repo.RecoverInterrupted(ctx)
	if err != nil || failed != 1 || reverted != 1 {
		t.Fatalf("RecoverInterrupted = %d, %d, %v, want 1, 1", failed, reverted, err)
	}
	got, _ := repo.GetByID(ctx, running.ID)
	if got.Status != database.GalleryFailed || got.LastError == nil {
		t.Fatalf("running gallery = %+v, want failed with message", got)
	}
	got, _ = repo.GetByID(ctx, uploading.ID)
	if got.Status != database.GalleryPending {
		t.Fatalf("uploading gallery status = %s, want pending", got.Status)
	}
	got, _ = repo.GetByID(ctx, done.ID)
	if got.Status != database.GalleryCompleted {
		t.Fatalf("completed gallery status = %s", got.Status)
	}
}

// TestBeginImportClaimsIdleGallery verifies import and processing exclude each other.
func TestBeginImportClaimsIdleGallery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	g, _ := seedGallery(t, db, 0)
	repo := NewGalleryRepository(db)

	prior, ok, err := repo.BeginImport(ctx, g.ID)
	if err != nil || !ok || prior != database.GalleryPending {
		t.Fatalf("BeginImport = %q, %v, %v", prior, ok, err)
	}
	if _, ok, _ := repo.BeginImport(ctx, g.ID); ok {
		t.Fatalf("second BeginImport succeeded")
	}
	if started, _ := repo.TryStartProcessing(ctx, g.ID, 1); started {
		t.Fatalf("processing started during import")
	}
	if err := repo.EndImport(ctx, g.ID, prior); err != nil {
		t.Fatalf("EndImport: %v", err)
	}
	got, _ := repo.GetByID(ctx, g.ID)
	if got.Status != database.GalleryPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}
