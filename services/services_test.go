package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"github.com/camden-git/eventgallery/config"
	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/models"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/recognition"
	"github.com/camden-git/eventgallery/repository"
	"github.com/camden-git/eventgallery/workers"
)

// fakeRecognition keeps indexed faces in memory. groupOf decides which
// faces look alike: faces sharing a group match each other.
type fakeRecognition struct {
	mu          sync.Mutex
	collections map[string]bool
	faces       map[string]string // face id -> group
	created     []string
	deleted     []string

	groupOf   func(externalImageID string) string
	indexErr  func(externalImageID string) error
	deleteErr error

	// SearchFacesByImage returns every face of byImageGroup
	byImageGroup string
	byImageErr   error
	calls        int

	// the first throttleSearches SearchFaces calls and the first
	// throttleByImage SearchFacesByImage calls are throttled
	throttleSearches int
	throttleByImage  int
	searchCalls      int
}

func newFakeRecognition() *fakeRecognition {
	return &fakeRecognition{
		collections: make(map[string]bool),
		faces:       make(map[string]string),
		groupOf:     func(string) string { return "" },
	}
}

func (f *fakeRecognition) CreateCollection(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[id] = true
	f.created = append(f.created, id)
	return nil
}

func (f *fakeRecognition) DeleteCollection(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if !f.collections[id] {
		return recognition.ErrCollectionNotFound
	}
	delete(f.collections, id)
	return nil
}

func (f *fakeRecognition) IndexFaces(_ context.Context, collectionID, externalImageID string, img []byte) ([]recognition.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		if err := f.indexErr(externalImageID); err != nil {
			return nil, err
		}
	}
	if !f.collections[collectionID] {
		return nil, recognition.ErrCollectionNotFound
	}
	if len(img) == 0 {
		return nil, recognition.ErrInvalidImage
	}
	id := "face-" + externalImageID
	f.faces[id] = f.groupOf(externalImageID)
	return []recognition.Face{{
		ExternalID: id,
		Box:        recognition.BoundingBox{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.3},
		Confidence: 99.5,
	}}, nil
}

func (f *fakeRecognition) SearchFaces(_ context.Context, _ string, faceID string, _ float32) ([]recognition.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchCalls <= f.throttleSearches {
		return nil, recognition.ErrThrottled
	}
	group := f.faces[faceID]
	var out []recognition.Match
	for id, g := range f.faces {
		if id != faceID && g == group && g != "" {
			out = append(out, recognition.Match{FaceID: id, Similarity: 96})
		}
	}
	return out, nil
}

func (f *fakeRecognition) SearchFacesByImage(context.Context, string, []byte, float32) ([]recognition.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.throttleByImage {
		return nil, recognition.ErrThrottled
	}
	if f.byImageErr != nil {
		return nil, f.byImageErr
	}
	var out []recognition.Match
	for id, g := range f.faces {
		if f.byImageGroup != "" && g == f.byImageGroup {
			out = append(out, recognition.Match{FaceID: id, Similarity: 93})
		}
	}
	return out, nil
}

type testEnv struct {
	repos    repository.Repositories
	storage  *media.LocalStorage
	rec      *fakeRecognition
	executor *workers.Executor
	pipeline *Pipeline
	gallery  *GalleryService
}

func newTestEnv(t *testing.T) *testEnv {
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
	storage, err := media.NewLocalStorage(t.TempDir(), "/api/media")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	env := &testEnv{
		repos:    repository.New(db),
		storage:  storage,
		rec:      newFakeRecognition(),
		executor: workers.NewExecutor(),
	}
	t.Cleanup(func() {
		env.executor.Stop()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env.pipeline = NewPipeline(env.repos, env.rec, storage, nil, PipelineOptions{
		ClusterThreshold: 90,
		MatchThreshold:   85,
		DetectionMaxSize: 256,
		Pacing:           workers.BackoffPolicy{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, FailureThreshold: 3},
		Sleep:            func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	env.gallery = NewGalleryService(env.repos, storage, env.rec, env.pipeline, env.executor, GalleryOptions{PresignTTL: time.Minute})
	return env
}

// testPNG returns a small image whose bytes differ per seed.
func testPNG(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(seed * 7), G: uint8(seed * 13), B: uint8(x * y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (env *testEnv) seedGallery(t *testing.T, images int) (*models.Gallery, []*models.GalleryImage) {
	t.Helper()
	ctx := context.Background()
	g, err := env.gallery.CreateGallery(ctx, "Conference 2026", nil)
	if err != nil {
		t.Fatalf("CreateGallery: %v", err)
	}
	out := make([]*models.GalleryImage, 0, images)
	for i := 1; i <= images; i++ {
		img, err := env.gallery.UploadImage(ctx, g.ID, fmt.Sprintf("IMG_%d.png", i), "image/png", testPNG(t, i))
		if err != nil {
			t.Fatalf("UploadImage %d: %v", i, err)
		}
		out = append(out, img)
	}
	return g, out
}

func imageNumber(externalImageID string) int {
	var n int
	_, _ = fmt.Sscanf(strings.TrimPrefix(externalImageID, "image-"), "%d", &n)
	return n
}

// eventLog records broadcast events.
type eventLog struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (l *eventLog) Broadcast(e realtime.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(eventType string) []realtime.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []realtime.Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
