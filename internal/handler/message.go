package handler

import (
	"net/http"

	"github.com/dmsync/internal/middleware"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/registry"
	"github.com/dmsync/internal/synchronizer"
	"github.com/go-chi/chi/v5"
)

const maxPageLimit = 100

type MessageHandler struct {
	sync     *synchronizer.Synchronizer
	registry *registry.Registry
}

func NewMessageHandler(s *synchronizer.Synchronizer, reg *registry.Registry) *MessageHandler {
	return &MessageHandler{sync: s, registry: reg}
}

// GetMessages страница из локального кеша (от старых к новым).
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", 0), maxPageLimit)
	offset := max(queryInt(r, "offset", 0), 0)
	msgs, err := h.sync.Messages(r.Context(), chi.URLParam(r, "chatId"), limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetOlder страница с сервера строго старше cursor; кеш не меняется.
func (h *MessageHandler) GetOlder(w http.ResponseWriter, r *http.Request) {
	page, err := h.sync.LoadOlderMessages(r.Context(), chi.URLParam(r, "chatId"), r.URL.Query().Get("cursor"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

type sendRequest struct {
	Content    string `json:"content"`
	MediaURI   string `json:"media_uri"`
	ReplyToID  string `json:"reply_to_id"`
	ReceiverID string `json:"receiver_id"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send отправляет сообщение. Получатель по умолчанию: собеседник в чате.
// Неудачная загрузка медиа даёт 422 с message_id отправленного вместо него маркера.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReceiverID == "" {
		chat, err := h.registry.Chat(r.Context(), chatID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		req.ReceiverID = chat.OtherParticipant(middleware.GetUserID(r.Context()))
	}
	id, err := h.sync.SendMessage(r.Context(), chatID, req.ReceiverID, synchronizer.Outgoing{
		Content:   req.Content,
		MediaURI:  req.MediaURI,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResponse{ID: id})
}

type editRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sync.EditMessage(r.Context(), req.ChatID, chi.URLParam(r, "messageId"), req.Content); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.sync.DeleteMessage(r.Context(), r.URL.Query().Get("chat_id"), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	err := h.sync.MarkMessageRead(r.Context(), r.URL.Query().Get("chat_id"), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
