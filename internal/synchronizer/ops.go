package synchronizer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/transform"
)

// OlderPage страница истории от старых к новым.
type OlderPage struct {
	Messages []model.Message `json:"messages"`
	// HasMore страница заполнена целиком. Следующий запрос может вернуть пустую страницу.
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor"`
}

// LoadOlderMessages читает с сервера страницу строго старше cursor (пустой: с самого нового).
// Кеш и видимый список не меняются.
func (s *Synchronizer) LoadOlderMessages(ctx context.Context, chatID, cursor string) (OlderPage, error) {
	const op = "sync.LoadOlderMessages"
	chat, err := s.chatFor(ctx, op, chatID)
	if err != nil {
		return OlderPage{}, err
	}
	page, err := s.remote.QueryMessages(ctx, chatID, s.cfg.PageSize, remote.Cursor(cursor))
	if err != nil {
		return OlderPage{}, classify(op, err)
	}
	cc := transform.ContextOf(chat)
	msgs := make([]model.Message, 0, len(page.Messages))
	for i := range page.Messages {
		m := page.Messages[i].Clone()
		m.TempID = ""
		s.open(cc, m)
		m.Status = m.DeriveStatus()
		msgs = append(msgs, *m)
	}
	slices.Reverse(msgs)
	return OlderPage{Messages: msgs, HasMore: page.HasMore, Cursor: string(page.Cursor)}, nil
}

// editable загружает удалённый оригинал и проверяет, что его автор: текущий пользователь.
func (s *Synchronizer) editable(ctx context.Context, op, chatID, messageID string) (*model.Chat, *model.Message, error) {
	if messageID == "" {
		return nil, nil, apperr.Validation(op, errors.New("message id is required"))
	}
	chat, err := s.chatFor(ctx, op, chatID)
	if err != nil {
		return nil, nil, err
	}
	orig, err := s.remote.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, nil, classify(op, err)
	}
	if orig.SenderID != s.me() {
		return nil, nil, apperr.Permission(op, errors.New("only the sender can change a message"))
	}
	if orig.Type == model.MessageTypeDeleted {
		return nil, nil, apperr.Validation(op, errors.New("message is deleted"))
	}
	return chat, orig, nil
}

// EditMessage меняет текст своего сообщения. Сначала сервер, потом кеш: локальной правки до
// подтверждения нет, откатывать нечего. Сводка чата обновляется, только если она указывает
// на это сообщение.
func (s *Synchronizer) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	const op = "sync.EditMessage"
	if strings.TrimSpace(content) == "" {
		return apperr.Validation(op, errors.New("empty content")).WithInput(content)
	}
	chat, orig, err := s.editable(ctx, op, chatID, messageID)
	if err != nil {
		return withInput(op, err, content)
	}
	cc := transform.ContextOf(chat)
	tr, err := s.transforms.For(cc)
	if err != nil {
		return apperr.Transform(op, err).WithInput(content)
	}
	sealed := orig.Clone()
	if err := transform.Seal(tr, sealed, content, cc); err != nil {
		return apperr.Transform(op, err).WithInput(content)
	}
	remoteLM, localLM, err := summary(tr, cc, orig, content)
	if err != nil {
		return apperr.Transform(op, err).WithInput(content)
	}

	written, err := s.remote.Commit(ctx, remote.Batch{
		Patch: &remote.MessagePatch{
			ChatID:    chatID,
			MessageID: messageID,
			Edit: &remote.Edit{
				Content:          sealed.Content,
				IsEncrypted:      sealed.IsEncrypted,
				EncryptedContent: sealed.EncryptedContent,
			},
		},
		Chats: []remote.ChatUpdate{{ChatID: chatID, LastMessage: &remoteLM, OnlyIfLast: true}},
	})
	if err != nil {
		return classify(op, err).WithInput(content)
	}

	editedAt := time.Now().UTC()
	if written != nil && written.EditedAt != nil {
		editedAt = *written.EditedAt
	}
	edit := storage.MessageEdit{
		Content:          content,
		IsEncrypted:      sealed.IsEncrypted,
		EncryptedContent: sealed.EncryptedContent,
		EditedAt:         editedAt,
	}
	err = s.local.EditMessage(ctx, messageID, edit)
	if errors.Is(err, storage.ErrNotFound) && written != nil {
		m := written.Clone()
		m.Content = content
		m.Status = m.DeriveStatus()
		err = s.local.InsertMessage(ctx, m)
	}
	if err != nil {
		return apperr.Storage(op, err)
	}

	if c, err := s.local.GetChatByID(ctx, chatID); err == nil && c.LastMessage != nil && c.LastMessage.MessageID == messageID {
		if err := s.local.UpdateChatLastMessage(ctx, chatID, localLM); err != nil {
			logger.Errorf("sync: chat %s summary after edit: %v", chatID, err)
		}
	}
	s.refreshView(ctx, chatID, messageID)
	return nil
}

// DeleteMessage превращает своё сообщение в надгробие. Сводка чата не переписывается.
func (s *Synchronizer) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	const op = "sync.DeleteMessage"
	if _, _, err := s.editable(ctx, op, chatID, messageID); err != nil {
		return err
	}
	_, err := s.remote.Commit(ctx, remote.Batch{
		Patch: &remote.MessagePatch{ChatID: chatID, MessageID: messageID, Tombstone: true},
	})
	if err != nil {
		return classify(op, err)
	}
	if err := s.local.DeleteMessage(ctx, messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Storage(op, err)
	}
	s.refreshView(ctx, chatID, messageID)
	return nil
}

// MarkMessageRead добавляет текущего пользователя в readBy сообщения.
func (s *Synchronizer) MarkMessageRead(ctx context.Context, chatID, messageID string) error {
	const op = "sync.MarkMessageRead"
	if _, err := s.chatFor(ctx, op, chatID); err != nil {
		return err
	}
	if messageID == "" {
		return apperr.Validation(op, errors.New("message id is required"))
	}
	me := s.me()
	_, err := s.remote.Commit(ctx, remote.Batch{
		Patch: &remote.MessagePatch{ChatID: chatID, MessageID: messageID, AddReader: me},
	})
	if err != nil {
		return classify(op, err)
	}
	if err := s.local.MarkMessageAsRead(ctx, messageID, me); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Storage(op, err)
	}
	s.refreshView(ctx, chatID, messageID)
	return nil
}

// MarkChatRead обнуляет счётчик непрочитанного текущего пользователя.
func (s *Synchronizer) MarkChatRead(ctx context.Context, chatID string) error {
	if _, err := s.chatFor(ctx, "sync.MarkChatRead", chatID); err != nil {
		return err
	}
	return s.registry.MarkChatAsRead(ctx, chatID, s.me())
}

// Messages страница из локального кеша от старых к новым; offset от самого нового.
func (s *Synchronizer) Messages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	msgs, err := s.local.GetChatMessages(ctx, chatID, limit, offset)
	if err != nil {
		return nil, apperr.Storage("sync.Messages", err)
	}
	return msgs, nil
}

// Chats список чатов текущего пользователя из локального кеша.
func (s *Synchronizer) Chats(ctx context.Context) ([]model.ChatListItem, error) {
	return s.registry.Chats(ctx, s.me())
}

func (s *Synchronizer) refreshView(ctx context.Context, chatID, messageID string) {
	s.viewOf(chatID).Refresh(messageID, s.loader(ctx))
}
