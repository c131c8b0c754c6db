package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/camden-git/eventgallery/media"
	"github.com/camden-git/eventgallery/realtime"
	"github.com/camden-git/eventgallery/services"
)

const mediaRoute = "/api/media/"

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Galleries      *services.GalleryService
	Imports        *services.ImportService
	Hub            *realtime.Hub
	LocalMedia     *media.LocalStorage // nil when objects live in S3
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(rc RouterConfig) http.Handler {
	if rc.RequestTimeout <= 0 {
		rc.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   rc.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	if rc.Hub != nil {
		// outside the timeout group: the connection outlives the request
		r.Get("/ws", rc.Hub.ServeWS)
	}

	galleryHandler := &GalleryHandler{Galleries: rc.Galleries}
	importHandler := &ImportHandler{Imports: rc.Imports}
	clusterHandler := &ClusterHandler{Galleries: rc.Galleries}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(rc.RequestTimeout))

		r.Route("/api", func(r chi.Router) {
			r.Route("/galleries", func(r chi.Router) {
				r.Post("/", galleryHandler.CreateGallery)
				r.Get("/", galleryHandler.ListGalleries)
				r.Route("/{gallery_id}", func(r chi.Router) {
					r.Get("/", galleryHandler.GetGallery)
					r.Delete("/", galleryHandler.DeleteGallery)

					r.Route("/images", func(r chi.Router) {
						r.Get("/", galleryHandler.ListImages)
						r.Post("/", galleryHandler.UploadImage)
						r.Post("/upload-url", galleryHandler.RequestUploadURL)
						r.Post("/confirm", galleryHandler.ConfirmUpload)
					})

					r.Route("/import", func(r chi.Router) {
						r.Get("/preview", importHandler.Preview)
						r.Post("/", importHandler.Start)
						r.Get("/", importHandler.Progress)
						r.Delete("/", importHandler.Cancel)
					})

					r.Post("/process", galleryHandler.StartProcessing)
					r.Get("/process", galleryHandler.ProcessingStatus)
					r.Post("/reprocess", galleryHandler.Reprocess)
					r.Get("/clusters", clusterHandler.ListClusters)
				})
			})

			r.Route("/clusters/{cluster_id}", func(r chi.Router) {
				r.Get("/", clusterHandler.GetCluster)
				r.Put("/assignment", clusterHandler.AssignCluster)
				r.Post("/share", clusterHandler.ShareCluster)
				r.Post("/view", clusterHandler.RecordView)
			})

			r.Route("/participants", func(r chi.Router) {
				r.Post("/", clusterHandler.CreateParticipant)
				r.Get("/", clusterHandler.ListParticipants)
				r.Post("/{participant_id}/reference", clusterHandler.UploadReference)
			})

			r.Get("/images/{image_id}/url", galleryHandler.ImageURL)

			if rc.LocalMedia != nil {
				r.Get("/media/*", MediaServer(rc.LocalMedia, mediaRoute))
			}
		})
	})

	return r
}
