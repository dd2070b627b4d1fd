package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/logger"
)

// maxBodySize предел JSON-тела запроса.
const maxBodySize = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Input     string `json:"input,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError отдаёт ошибку синхронизатора со статусом по её виду.
// Для ошибок с сохранённым вводом клиент получает текст обратно в поле input.
func writeAppError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err)), Input: apperr.InputOf(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.MessageID = ae.MessageID
	}
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("handler: %v", err)
	}
	writeJSON(w, status, resp)
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindMedia, apperr.KindTransform:
		return http.StatusUnprocessableEntity
	case apperr.KindStorage, apperr.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
