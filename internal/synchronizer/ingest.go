package synchronizer

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
)

// ingest обрабатывает снимок подписки открытого чата. Ошибка одного сообщения
// логируется и не останавливает обработку остальных.
func (s *Synchronizer) ingest(cs *ChatSession, snap remote.MessageSnapshot) {
	if !cs.active() {
		return
	}
	if !cs.primed {
		cs.primed = true
		s.ingestInitial(cs, snap.Docs)
		return
	}
	for _, ch := range snap.Changes {
		if !cs.active() {
			return
		}
		var err error
		switch ch.Kind {
		case remote.Added:
			err = s.ingestAdded(cs, ch.Doc)
		case remote.Modified:
			err = s.ingestModified(cs, ch.Doc)
		case remote.Removed:
			err = s.ingestRemoved(cs, ch.Doc)
		}
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			s.metrics.IngestFailed()
			logger.Errorf("sync: ingest %s chat=%s message=%s: %v", ch.Kind, cs.chat.ID, ch.Doc.ID, err)
			continue
		}
		s.metrics.Ingested(string(ch.Kind))
	}
}

// ingestInitial переносит в кеш всё окно подписки, включая свои сообщения (например, отправленные с другого устройства).
func (s *Synchronizer) ingestInitial(cs *ChatSession, docs []model.Message) {
	msgs := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := s.upsert(cs, doc)
		if err != nil {
			s.metrics.IngestFailed()
			logger.Errorf("sync: initial chat=%s message=%s: %v", cs.chat.ID, doc.ID, err)
			continue
		}
		if err := s.acknowledge(cs, m); err != nil {
			logger.Errorf("sync: read receipt chat=%s message=%s: %v", cs.chat.ID, m.ID, err)
		}
		msgs = append(msgs, *m)
	}
	cs.view.Upsert(msgs...)
	s.metrics.Ingested("initial")
}

// ingestAdded свои сообщения уже показаны оптимистично, чужие расшифровываются,
// сохраняются и сразу отмечаются прочитанными, потому что чат открыт.
func (s *Synchronizer) ingestAdded(cs *ChatSession, doc model.Message) error {
	if doc.SenderID == s.me() {
		return nil
	}
	m, err := s.upsert(cs, doc)
	if err != nil {
		return err
	}
	if err := s.acknowledge(cs, m); err != nil {
		logger.Errorf("sync: read receipt chat=%s message=%s: %v", cs.chat.ID, m.ID, err)
	}
	cs.view.Upsert(*m)
	return nil
}

// ingestModified отделяет изменение содержимого от смены статуса.
// Для своего сообщения без изменения содержимого переносятся только статус и читатели;
// запись может ещё не дойти до кеша, тогда обновление повторяется.
// Для чужого сообщения без изменения содержимого это эхо собственной отметки о прочтении.
func (s *Synchronizer) ingestModified(cs *ChatSession, doc model.Message) error {
	ctx := cs.ctx
	if doc.SenderID == s.me() {
		return s.retry(ctx, "status "+doc.ID, func() error {
			cur, err := s.local.GetMessage(ctx, doc.ID)
			if err != nil {
				return err
			}
			if !sameContent(cur, &doc) {
				if _, err := s.upsert(cs, doc); err != nil {
					return err
				}
			} else if err := s.applyReceipts(ctx, &doc); err != nil {
				return err
			}
			cs.view.Refresh(doc.ID, s.loader(ctx))
			return nil
		})
	}

	cur, err := s.local.GetMessage(ctx, doc.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.ingestAdded(cs, doc)
	case err != nil:
		return err
	case sameContent(cur, &doc):
		return nil
	}
	m, err := s.upsert(cs, doc)
	if err != nil {
		return err
	}
	cs.view.Upsert(*m)
	return nil
}

// ingestRemoved removed приходит и при вытеснении из окна подписки,
// поэтому локально удаляем только то, чего нет на сервере.
func (s *Synchronizer) ingestRemoved(cs *ChatSession, doc model.Message) error {
	_, err := s.remote.GetMessage(cs.ctx, cs.chat.ID, doc.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	if err := s.local.RemoveMessage(cs.ctx, doc.ID); err != nil {
		return err
	}
	cs.view.Remove(doc.ID)
	return nil
}

// upsert расшифровывает документ и сохраняет его, не теряя уже известных читателей.
func (s *Synchronizer) upsert(cs *ChatSession, doc model.Message) (*model.Message, error) {
	m := doc.Clone()
	m.TempID = ""
	s.open(cs.cc, m)
	cur, err := s.local.GetMessage(cs.ctx, m.ID)
	switch {
	case err == nil:
		storage.MergeConfirmed(m, cur)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	if m.Status == "" || m.Status == model.MessageStatusSending {
		m.Status = model.MessageStatusSent
	}
	m.Status = m.DeriveStatus()
	if err := s.local.InsertMessage(cs.ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// applyReceipts переносит статус и читателей своего сообщения в кеш.
func (s *Synchronizer) applyReceipts(ctx context.Context, doc *model.Message) error {
	status := doc.DeriveStatus()
	if status == model.MessageStatusSending || status == "" {
		status = model.MessageStatusSent
	}
	if err := s.local.UpdateMessageStatus(ctx, doc.ID, status); err != nil {
		return err
	}
	for _, uid := range doc.ReadBy {
		if uid == doc.SenderID {
			continue
		}
		if err := s.local.MarkMessageAsRead(ctx, doc.ID, uid); err != nil {
			return err
		}
	}
	return nil
}

// acknowledge отмечает чужое сообщение прочитанным текущим пользователем:
// readBy и сброс счётчика уходят одним батчем.
func (s *Synchronizer) acknowledge(cs *ChatSession, m *model.Message) error {
	me := s.me()
	if m.SenderID == me || m.Type == model.MessageTypeDeleted || slices.Contains(m.ReadBy, me) || !cs.active() {
		return nil
	}
	_, err := s.remote.Commit(cs.ctx, remote.Batch{
		Patch: &remote.MessagePatch{ChatID: m.ChatID, MessageID: m.ID, AddReader: me},
		Chats: []remote.ChatUpdate{{ChatID: m.ChatID, ResetUnread: []string{me}}},
	})
	if err != nil {
		return err
	}
	if err := s.local.MarkMessageAsRead(cs.ctx, m.ID, me); err != nil {
		return err
	}
	m.AddReader(me)
	m.Status = m.DeriveStatus()
	if err := s.local.SetUnreadCount(cs.ctx, m.ChatID, me, 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// sameContent сравнивает локальную копию и удалённый документ без учёта статуса и читателей.
// Серверные поля (timestamp, edited_at) считаются частью содержимого.
func sameContent(local, doc *model.Message) bool {
	if local.Type != doc.Type || local.IsEncrypted != doc.IsEncrypted || local.IsEdited != doc.IsEdited {
		return false
	}
	if !local.Timestamp.Equal(doc.Timestamp) || !sameTime(local.EditedAt, doc.EditedAt) {
		return false
	}
	if doc.IsEncrypted {
		return local.EncryptedContent == doc.EncryptedContent
	}
	return local.Content == doc.Content
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
