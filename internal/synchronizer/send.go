package synchronizer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmsync/internal/apperr"
	"github.com/dmsync/internal/identity"
	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/media"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"github.com/dmsync/internal/storage"
	"github.com/dmsync/internal/transform"
	"github.com/google/uuid"
)

// Outgoing то, что пользователь отправляет. Content для медиа: подпись.
type Outgoing struct {
	Content   string
	MediaURI  string
	ReplyToID string
}

// SendMessage отправляет сообщение от текущего пользователя и возвращает серверный id.
//
// Запись сначала появляется локально под временным id (статус sending), затем уходит
// в удалённый канал одним батчем вместе со сводкой чата и счётчиком получателя.
// При ошибке после оптимистичной вставки запись удаляется, а текст ввода возвращается в ошибке.
// Если не удалась загрузка медиа, вместо него отправляется текстовый маркер, и возвращается
// ошибка вида media с id этого маркера.
func (s *Synchronizer) SendMessage(ctx context.Context, chatID, receiverID string, out Outgoing) (string, error) {
	started := time.Now()
	id, err := s.send(ctx, chatID, receiverID, out)
	if err != nil {
		s.metrics.SendFailed(string(apperr.KindOf(err)))
		return id, err
	}
	s.metrics.MessageSent(started)
	return id, nil
}

func (s *Synchronizer) send(ctx context.Context, chatID, receiverID string, out Outgoing) (string, error) {
	const op = "sync.SendMessage"
	senderID := s.me()
	input := out.Content

	switch {
	case chatID == "" || receiverID == "":
		return "", apperr.Validation(op, errors.New("chat id and receiver id are required")).WithInput(input)
	case receiverID == senderID:
		return "", apperr.Validation(op, errors.New("cannot send to yourself")).WithInput(input)
	case strings.TrimSpace(out.Content) == "" && out.MediaURI == "":
		return "", apperr.Validation(op, errors.New("empty message")).WithInput(input)
	case out.MediaURI != "" && s.media == nil:
		return "", apperr.Validation(op, errors.New("media processing is not configured")).WithInput(input)
	}

	ok, err := s.auth.IsAuthorizedParticipant(ctx, senderID, receiverID)
	if err != nil {
		return "", apperr.Network(op, err).WithInput(input)
	}
	if !ok {
		return "", apperr.Permission(op, errors.New("receiver is not a contact")).WithInput(input)
	}

	chat, err := s.chatFor(ctx, op, chatID)
	if err != nil {
		return "", withInput(op, err, input)
	}
	if !chat.HasParticipant(receiverID) {
		return "", apperr.Permission(op, errors.New("receiver is not a participant of this chat")).WithInput(input)
	}
	profile, err := s.ident.GetProfile(ctx, senderID)
	if errors.Is(err, identity.ErrUnknownProfile) {
		return "", apperr.Validation(op, err).WithInput(input)
	}
	if err != nil {
		return "", apperr.Storage(op, err).WithInput(input)
	}
	cc := transform.ContextOf(chat)
	tr, err := s.transforms.For(cc)
	if err != nil {
		return "", apperr.Transform(op, err).WithInput(input)
	}

	tempID := tempPrefix + uuid.NewString()
	msg := &model.Message{
		ID:                tempID,
		TempID:            tempID,
		ChatID:            chatID,
		SenderID:          senderID,
		SenderUsername:    profile.Username,
		SenderDisplayName: profile.DisplayName,
		SenderAvatarURL:   profile.AvatarURL,
		Type:              model.MessageTypeText,
		Timestamp:         time.Now().UTC(),
		Status:            model.MessageStatusSending,
		ReadBy:            []string{},
		ReplyTo:           s.replyRef(ctx, out.ReplyToID),
	}
	if msg.ReplyTo != nil && cc.Secret {
		// Превью исходника в открытом виде не уходит из секретного чата.
		msg.ReplyTo.Content = ""
	}
	if out.MediaURI != "" {
		media.Apply(msg, media.Descriptor{
			Kind: media.KindOf(out.MediaURI),
			URI:  out.MediaURI,
			Name: filepath.Base(out.MediaURI),
		})
	}
	plaintext := out.Content
	if err := transform.Seal(tr, msg, plaintext, cc); err != nil {
		return "", apperr.Transform(op, err).WithInput(input)
	}

	// Локально храним открытый текст рядом с шифротекстом.
	localCopy := func() *model.Message {
		l := msg.Clone()
		l.Content = plaintext
		return l
	}
	if err := s.local.InsertMessage(ctx, localCopy()); err != nil {
		return "", apperr.Storage(op, err).WithInput(input)
	}
	// Список берётся заново на каждом шаге: чат могут открыть, пока идёт отправка.
	s.viewOf(chatID).AddPending(*localCopy())

	var mediaErr error
	if out.MediaURI != "" {
		d, err := s.media.Process(ctx, out.MediaURI, chatID, tempID)
		if err == nil {
			media.Apply(msg, d)
		} else {
			logger.Errorf("sync: chat %s media upload: %v", chatID, err)
			mediaErr = err
			msg.Type = model.MessageTypeText
			msg.Image, msg.Video, msg.File = nil, nil, nil
			plaintext = model.MediaFailedPlaceholder
			if err := transform.Seal(tr, msg, plaintext, cc); err != nil {
				s.rollback(chatID, tempID)
				return "", apperr.Transform(op, err).WithInput(input)
			}
		}
		if err := s.local.InsertMessage(ctx, localCopy()); err != nil {
			s.rollback(chatID, tempID)
			return "", apperr.Storage(op, err).WithInput(input)
		}
		s.viewOf(chatID).AddPending(*localCopy())
	}

	outgoing := msg.Clone()
	outgoing.ID = ""
	outgoing.Status = model.MessageStatusSent
	if err := outgoing.Validate(); err != nil {
		s.rollback(chatID, tempID)
		return "", apperr.Validation(op, err).WithInput(input)
	}
	remoteLM, localLM, err := summary(tr, cc, outgoing, plaintext)
	if err != nil {
		s.rollback(chatID, tempID)
		return "", apperr.Transform(op, err).WithInput(input)
	}
	remoteLM.MessageID, remoteLM.Timestamp = "", time.Time{}

	written, err := s.remote.Commit(ctx, remote.Batch{
		NewMessage: outgoing,
		Chats: []remote.ChatUpdate{{
			ChatID:          chatID,
			LastMessage:     &remoteLM,
			IncrementUnread: []string{receiverID},
		}},
	})
	if err == nil && written == nil {
		err = errors.New("commit returned no message")
	}
	if err != nil {
		s.rollback(chatID, tempID)
		return "", classify(op, err).WithInput(input)
	}

	confirmed := written.Clone()
	confirmed.Content = plaintext
	confirmed.DecryptFailed = false
	confirmed.TempID = ""
	confirmed.Status = model.MessageStatusSent
	confirmed.Status = confirmed.DeriveStatus()
	if err := s.local.ConfirmMessage(ctx, tempID, confirmed); err != nil {
		// Сообщение уже принято сервером: откатывать нечего, кеш догонит подписка.
		e := apperr.Storage(op, err)
		e.MessageID = confirmed.ID
		return confirmed.ID, e
	}
	localLM.MessageID = confirmed.ID
	localLM.Timestamp = confirmed.Timestamp
	if err := s.local.UpdateChatLastMessage(ctx, chatID, localLM); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorf("sync: chat %s summary: %v", chatID, err)
	}
	s.viewOf(chatID).ConfirmFrom(tempID, *confirmed, s.loader(ctx))

	if mediaErr != nil {
		return confirmed.ID, &apperr.Error{Kind: apperr.KindMedia, Op: op, Err: mediaErr, Input: input, MessageID: confirmed.ID}
	}
	return confirmed.ID, nil
}

// rollback убирает оптимистичную запись из кеша и из видимого списка.
func (s *Synchronizer) rollback(chatID, tempID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.local.RemoveMessage(ctx, tempID); err != nil {
		logger.Errorf("sync: rollback %s: %v", tempID, err)
	}
	s.viewOf(chatID).Remove(tempID)
}

// replyRef строит денормализованную ссылку на исходное сообщение из локального кеша.
// Если исходника нет локально, остаётся только id.
func (s *Synchronizer) replyRef(ctx context.Context, id string) *model.ReplyRef {
	if id == "" {
		return nil
	}
	ref := &model.ReplyRef{MessageID: id}
	orig, err := s.local.GetMessage(ctx, id)
	if err != nil {
		return ref
	}
	ref.Content = model.Preview(orig.Type, orig.Content)
	ref.SenderUsername = orig.SenderUsername
	return ref
}
