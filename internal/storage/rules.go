package storage

import (
	"errors"
	"slices"

	"github.com/dmsync/internal/model"
)

// ErrEmptyID запись без id не сохраняется.
var ErrEmptyID = errors.New("message id is empty")

// Общие правила изменения записей, одинаковые для всех реализаций LocalStore.

// AcceptsLastMessage решает, заменяет ли lm текущую сводку чата.
// Та же запись (по id) заменяется всегда: это редактирование; иначе только более новая.
func AcceptsLastMessage(cur *model.LastMessage, lm model.LastMessage) bool {
	if cur == nil {
		return true
	}
	if cur.MessageID != "" && cur.MessageID == lm.MessageID {
		return true
	}
	return !lm.Timestamp.Before(cur.Timestamp)
}

// NextStatus статус после обновления: вперёд по цепочке sending → sent → read,
// failed выставляется и снимается явно.
func NextStatus(cur, next model.MessageStatus) model.MessageStatus {
	if next == model.MessageStatusFailed || cur == model.MessageStatusFailed {
		return next
	}
	return cur.Max(next)
}

// MergeConfirmed переносит в dst читателей и статус из src, не теряя уже известных.
func MergeConfirmed(dst, src *model.Message) {
	for _, u := range src.ReadBy {
		dst.AddReader(u)
	}
	dst.Status = NextStatus(dst.Status, src.Status)
	if dst.IsReadByOther() {
		dst.Status = model.MessageStatusRead
	}
}

// ApplyEdit заменяет содержимое и выставляет отметку редактирования.
func ApplyEdit(m *model.Message, edit MessageEdit) {
	m.Content = edit.Content
	m.IsEncrypted = edit.IsEncrypted
	m.EncryptedContent = edit.EncryptedContent
	m.IsEdited = true
	t := edit.EditedAt
	m.EditedAt = &t
	m.DecryptFailed = false
}

// PageOldestFirst берёт из списка (новые первыми) limit записей после offset и разворачивает их.
func PageOldestFirst(newestFirst []model.Message, limit, offset int) []model.Message {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(newestFirst) {
		return []model.Message{}
	}
	end := len(newestFirst)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := slices.Clone(newestFirst[offset:end])
	slices.Reverse(page)
	return page
}
