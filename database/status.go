package database

// Gallery lifecycle.
const (
	GalleryPending    = "pending"
	GalleryUploading  = "uploading"
	GalleryProcessing = "processing"
	GalleryClustering = "clustering"
	GalleryMatching   = "matching"
	GalleryCompleted  = "completed"
	GalleryFailed     = "failed"
)

// Per-image detection outcome.
const (
	ImagePending   = "pending"
	ImageProcessed = "processed"
	ImageFailed    = "failed"
)

// Cluster sharing state.
const (
	SharePending = "pending"
	ShareShared  = "shared"
	ShareViewed  = "viewed"
)

// ActiveGalleryStatuses are the states in which a background task owns the gallery.
var ActiveGalleryStatuses = []string{GalleryUploading, GalleryProcessing, GalleryClustering, GalleryMatching}

// RunningPipelineStatuses are the phase states of a processing run.
var RunningPipelineStatuses = []string{GalleryProcessing, GalleryClustering, GalleryMatching}

// IsPipelineRunning reports whether status is one of the processing phases.
func IsPipelineRunning(status string) bool {
	for _, s := range RunningPipelineStatuses {
		if s == status {
			return true
		}
	}
	return false
}
