package handler

import (
	"errors"
	"net/http"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/middleware"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/registry"
	"github.com/dmsync/internal/synchronizer"
	"github.com/go-chi/chi/v5"
)

// Forgetter сбрасывает закешированный снимок закрытого чата (ws.Hub).
type Forgetter interface {
	Forget(chatID string)
}

type ChatHandler struct {
	sync     *synchronizer.Synchronizer
	registry *registry.Registry
	ident    identity.Provider
	auth     identity.Authorizer
	views    Forgetter
}

func NewChatHandler(s *synchronizer.Synchronizer, reg *registry.Registry, ident identity.Provider, auth identity.Authorizer, views Forgetter) *ChatHandler {
	return &ChatHandler{sync: s, registry: reg, ident: ident, auth: auth, views: views}
}

func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	items, err := h.sync.Chats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if items == nil {
		items = []model.ChatListItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type createChatRequest struct {
	OtherUserID string `json:"other_user_id"`
	Secret      bool   `json:"secret"`
}

// CreateChat создаёт (или возвращает существующий) чат с контактом.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	const op = "handler.CreateChat"
	var req createChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	me := middleware.GetUserID(r.Context())
	if req.OtherUserID == "" || req.OtherUserID == me {
		writeError(w, http.StatusBadRequest, "other_user_id is required and must differ from the current user")
		return
	}
	ok, err := h.auth.IsAuthorizedParticipant(r.Context(), me, req.OtherUserID)
	if err != nil {
		writeAppError(w, apperr.Network(op, err))
		return
	}
	if !ok {
		writeAppError(w, apperr.Permission(op, errors.New("not a contact")))
		return
	}
	self, err := h.profile(r, op, me)
	if err != nil {
		writeAppError(w, err)
		return
	}
	other, err := h.profile(r, op, req.OtherUserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	id, err := h.registry.CreateChat(r.Context(), self, other, req.Secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	chat, err := h.registry.Chat(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.NewChatListItem(chat, me))
}

func (h *ChatHandler) profile(r *http.Request, op, userID string) (*model.Profile, error) {
	p, err := h.ident.GetProfile(r.Context(), userID)
	if errors.Is(err, identity.ErrUnknownProfile) {
		return nil, apperr.Validation(op, err)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return p, nil
}

type openChatResponse struct {
	ChatID     string          `json:"chat_id"`
	Generation uint64          `json:"generation"`
	Messages   []model.Message `json:"messages"`
}

// OpenChat делает чат активным: текущий список приходит в ответе, дальнейшие изменения приходят по /ws.
func (h *ChatHandler) OpenChat(w http.ResponseWriter, r *http.Request) {
	cs, err := h.sync.OpenChat(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openChatResponse{
		ChatID:     cs.ChatID(),
		Generation: cs.Generation(),
		Messages:   cs.View().Snapshot(),
	})
}

func (h *ChatHandler) CloseChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	h.sync.CloseChat(chatID)
	if h.views != nil {
		h.views.Forget(chatID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.MarkChatRead(r.Context(), chi.URLParam(r, "chatId")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
