package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes обработчики локального API. Media и WS необязательны.
type Routes struct {
	Chats    *ChatHandler
	Messages *MessageHandler
	WS       *WSHandler
	Media    MediaServer
}

// Mount регистрирует маршруты /api, /ws и /media. Аутентификация навешивается снаружи.
func (rt Routes) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/chats", rt.Chats.GetUserChats)
		r.Post("/chats", rt.Chats.CreateChat)
		r.Route("/chats/{chatId}", func(r chi.Router) {
			r.Get("/messages", rt.Messages.GetMessages)
			r.Get("/messages/older", rt.Messages.GetOlder)
			r.Post("/messages", rt.Messages.Send)
			r.Post("/open", rt.Chats.OpenChat)
			r.Post("/close", rt.Chats.CloseChat)
			r.Post("/read", rt.Chats.MarkAsRead)
		})
		r.Put("/messages/{messageId}", rt.Messages.Edit)
		r.Delete("/messages/{messageId}", rt.Messages.Delete)
		r.Post("/messages/{messageId}/read", rt.Messages.MarkRead)
	})
	if rt.WS != nil {
		r.Get("/ws", rt.WS.ServeWS)
	}
	if rt.Media != nil {
		r.Get("/media/{chatId}/{name}", ServeMedia(rt.Media))
	}
}

// Health проверка живости.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
