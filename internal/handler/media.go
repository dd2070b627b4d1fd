package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MediaServer отдаёт сохранённые файлы (media.Local).
type MediaServer interface {
	Serve(w http.ResponseWriter, r *http.Request, chatID, filename string)
}

func ServeMedia(ms MediaServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ms.Serve(w, r, chi.URLParam(r, "chatId"), chi.URLParam(r, "name"))
	}
}
