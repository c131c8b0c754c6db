package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/camden-git/eventgallery/media"
)

// MediaServer serves objects of the local storage backend. The object key is
// the request path with routePrefix removed, e.g.
//
//	r.Get("/api/media/*", MediaServer(store, "/api/media/"))
//
// serves /api/media/galleries/3/ab12.jpg from key galleries/3/ab12.jpg.
func MediaServer(store *media.LocalStorage, routePrefix string) http.HandlerFunc {
	slog.Info("serving local media", "route", routePrefix+"*", "path", store.BasePath())

	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, routePrefix)

		fullPath, err := store.GetFullPath(key)
		if err != nil {
			slog.Warn("rejected media path", "path", r.URL.Path, "error", err)
			http.Error(w, "Invalid asset path", http.StatusBadRequest)
			return
		}

		info, err := os.Stat(fullPath)
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			slog.Error("failed to stat media object", "key", key, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// objects are never rewritten under an existing key
		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))

		http.ServeFile(w, r, fullPath)
	}
}
