// Package mongo удалённый канал поверх MongoDB: транзакции для батчей,
// $currentDate для серверного времени, change streams для живых запросов.
// Требует replica set (транзакции и change streams недоступны на standalone).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmsync/internal/logger"
	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/remote"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Channel struct {
	client   *mongo.Client
	chats    *mongo.Collection
	messages *mongo.Collection
	owned    bool

	mu   sync.Mutex
	next int
	subs map[int]context.CancelFunc
}

var _ remote.Channel = (*Channel)(nil)

// Connect подключается к MongoDB и создаёт индексы.
func Connect(ctx context.Context, uri, database string) (*Channel, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	c := New(client, database)
	c.owned = true
	if err := c.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return c, nil
}

func New(client *mongo.Client, database string) *Channel {
	db := client.Database(database)
	return &Channel{
		client:   client,
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
		subs:     make(map[int]context.CancelFunc),
	}
}

func (c *Channel) EnsureIndexes(ctx context.Context) error {
	_, err := c.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo index messages: %w", err)
	}
	_, err = c.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "last_activity", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo index chats: %w", err)
	}
	return nil
}

func (c *Channel) CreateChat(ctx context.Context, chat *model.Chat) (bool, error) {
	defer logger.DeferLogDuration("remote.CreateChat", time.Now())()
	doc := chat.Clone()
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.LastActivity.IsZero() {
		doc.LastActivity = now
	}
	if doc.UnreadCount == nil {
		doc.UnreadCount = make(map[string]int)
	}
	for _, p := range doc.Participants {
		if _, ok := doc.UnreadCount[p]; !ok {
			doc.UnreadCount[p] = 0
		}
	}
	res, err := c.chats.UpdateByID(ctx, doc.ID, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("remote.CreateChat: %w", err)
	}
	return res.UpsertedCount == 1, nil
}

func (c *Channel) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := c.chats.FindOne(ctx, bson.M{"_id": chatID}).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remote.GetChat: %w", err)
	}
	return &chat, nil
}

// Commit выполняет батч в транзакции.
func (c *Channel) Commit(ctx context.Context, b remote.Batch) (*model.Message, error) {
	defer logger.DeferLogDuration("remote.Commit", time.Now())()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	sess, err := c.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("remote.Commit session: %w", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return c.apply(sc, b)
	})
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("remote.Commit: %w", err)
	}
	m, _ := out.(*model.Message)
	return m, nil
}

func (c *Channel) apply(ctx mongo.SessionContext, b remote.Batch) (*model.Message, error) {
	var written *model.Message
	switch {
	case b.NewMessage != nil:
		m, err := c.insertMessage(ctx, b.NewMessage)
		if err != nil {
			return nil, err
		}
		written = m
	case b.Patch != nil:
		m, err := c.patchMessage(ctx, b.Patch)
		if err != nil {
			return nil, err
		}
		written = m
	}
	for _, u := range b.Chats {
		if err := c.updateChat(ctx, u, written); err != nil {
			return nil, err
		}
	}
	return written, nil
}

func (c *Channel) insertMessage(ctx context.Context, in *model.Message) (*model.Message, error) {
	m := in.Clone()
	if m.ID == "" {
		m.ID = primitive.NewObjectID().Hex()
	}
	m.TempID = ""
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	// Документ вставляется одной операцией сразу с серверным временем,
	// иначе поток изменений отдаст insert с часами клиента и следом update.
	fields, err := toDoc(m)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	delete(fields, "_id")
	delete(fields, "timestamp")
	var out model.Message
	err = c.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": m.ID},
		bson.M{
			"$setOnInsert": fields,
			"$currentDate": bson.M{"timestamp": bson.M{"$type": "date"}},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &out, nil
}

func toDoc(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Channel) patchMessage(ctx context.Context, p *remote.MessagePatch) (*model.Message, error) {
	set := bson.M{}
	update := bson.M{}
	switch {
	case p.Tombstone:
		set["type"] = model.MessageTypeDeleted
		set["content"] = model.DeletedPlaceholder
		set["is_encrypted"] = false
		update["$unset"] = bson.M{"image_data": "", "video_data": "", "file_data": "", "encrypted_content": ""}
	case p.Edit != nil:
		set["content"] = p.Edit.Content
		set["is_encrypted"] = p.Edit.IsEncrypted
		set["encrypted_content"] = p.Edit.EncryptedContent
		set["is_edited"] = true
		update["$currentDate"] = bson.M{"edited_at": bson.M{"$type": "date"}}
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	if p.AddReader != "" {
		update["$addToSet"] = bson.M{"read_by": p.AddReader}
	}
	if len(update) == 0 {
		return c.findMessage(ctx, p.ChatID, p.MessageID)
	}
	var out model.Message
	err := c.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": p.MessageID, "chat_id": p.ChatID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("message %s: %w", p.MessageID, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("patch message: %w", err)
	}
	return &out, nil
}

// updateChat счётчики через $inc, без чтения документа.
func (c *Channel) updateChat(ctx context.Context, u remote.ChatUpdate, written *model.Message) error {
	set := bson.M{}
	inc := bson.M{}
	for _, uid := range u.IncrementUnread {
		inc["unread_count."+uid] = 1
	}
	for _, uid := range u.ResetUnread {
		set["unread_count."+uid] = 0
	}
	update := bson.M{}
	var lm model.LastMessage
	if u.LastMessage != nil {
		lm = remote.ResolveSummary(*u.LastMessage, written)
		if !u.OnlyIfLast {
			set["last_message"] = lm
			update["$max"] = bson.M{"last_activity": lm.Timestamp}
		}
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	var matched int64
	if len(update) > 0 {
		res, err := c.chats.UpdateOne(ctx, bson.M{"_id": u.ChatID}, update)
		if err != nil {
			return fmt.Errorf("update chat %s: %w", u.ChatID, err)
		}
		matched = res.MatchedCount
	} else {
		n, err := c.chats.CountDocuments(ctx, bson.M{"_id": u.ChatID})
		if err != nil {
			return fmt.Errorf("update chat %s: %w", u.ChatID, err)
		}
		matched = n
	}
	if matched == 0 {
		return fmt.Errorf("chat %s: %w", u.ChatID, remote.ErrNotFound)
	}
	if u.LastMessage != nil && u.OnlyIfLast {
		_, err := c.chats.UpdateOne(ctx,
			bson.M{"_id": u.ChatID, "last_message.message_id": lm.MessageID},
			bson.M{"$set": bson.M{"last_message": lm}})
		if err != nil {
			return fmt.Errorf("update chat summary %s: %w", u.ChatID, err)
		}
	}
	return nil
}

func (c *Channel) findMessage(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	var m model.Message
	err := c.messages.FindOne(ctx, bson.M{"_id": messageID, "chat_id": chatID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remote.GetMessage: %w", err)
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return &m, nil
}

func (c *Channel) GetMessage(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	return c.findMessage(ctx, chatID, messageID)
}

func (c *Channel) QueryMessages(ctx context.Context, chatID string, limit int, cursor remote.Cursor) (remote.Page, error) {
	defer logger.DeferLogDuration("remote.QueryMessages", time.Now())()
	ts, id, after, err := cursor.Parse()
	if err != nil {
		return remote.Page{}, err
	}
	filter := bson.M{"chat_id": chatID}
	if after {
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$lt": ts}},
			bson.M{"timestamp": ts, "_id": bson.M{"$lt": id}},
		}
	}
	msgs, err := c.findMessages(ctx, filter, limit)
	if err != nil {
		return remote.Page{}, fmt.Errorf("remote.QueryMessages: %w", err)
	}
	return remote.NewPage(msgs, limit, cursor), nil
}

func (c *Channel) findMessages(ctx context.Context, filter bson.M, limit int) ([]model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]model.Message, 0, limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ReadBy == nil {
			out[i].ReadBy = []string{}
		}
	}
	return out, nil
}

type changeEvent[T any] struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *T `bson:"fullDocument"`
}

func (c *Channel) WatchMessages(ctx context.Context, chatID string, limit int, fn func(remote.MessageSnapshot)) (remote.Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.chat_id": chatID},
		bson.M{"operationType": "delete"},
	}}}}}
	return watch(c, ctx, c.messages, pipeline, remote.NewMessageWindow(limit), fn,
		func(ctx context.Context) ([]model.Message, error) {
			return c.findMessages(ctx, bson.M{"chat_id": chatID}, limit)
		})
}

func (c *Channel) WatchUserChats(ctx context.Context, userID string, fn func(remote.ChatSnapshot)) (remote.Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.participants": userID},
		bson.M{"operationType": "delete"},
	}}}}}
	return watch(c, ctx, c.chats, pipeline, remote.NewChatWindow(), fn,
		func(ctx context.Context) ([]model.Chat, error) {
			cur, err := c.chats.Find(ctx, bson.M{"participants": userID})
			if err != nil {
				return nil, err
			}
			defer cur.Close(ctx)
			var out []model.Chat
			if err := cur.All(ctx, &out); err != nil {
				return nil, err
			}
			return out, nil
		})
}

// watch открывает change stream до начальной выборки, чтобы не потерять изменения между ними.
func watch[T any](c *Channel, ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline,
	w *remote.Window[T], fn func(remote.Snapshot[T]), initial func(context.Context) ([]T, error),
) (remote.Subscription, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := coll.Watch(streamCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote.Watch %s: %w", coll.Name(), err)
	}
	docs, err := initial(ctx)
	if err != nil {
		cancel()
		_ = stream.Close(context.Background())
		return nil, fmt.Errorf("remote.Watch %s initial: %w", coll.Name(), err)
	}

	id := c.track(cancel)
	feed := remote.NewFeed(fn, func() {
		cancel()
		c.untrack(id)
	})
	feed.Push(w.Reset(docs))

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(streamCtx) {
			var ev changeEvent[T]
			if err := stream.Decode(&ev); err != nil {
				logger.Errorf("remote.Watch %s decode: %v", coll.Name(), err)
				continue
			}
			var (
				snap remote.Snapshot[T]
				ok   bool
			)
			switch ev.OperationType {
			case "insert", "update", "replace":
				if ev.FullDocument != nil {
					snap, ok = w.Upsert(*ev.FullDocument)
				}
			case "delete":
				snap, ok = w.Remove(ev.DocumentKey.ID)
			}
			if ok {
				feed.Push(snap)
			}
		}
		if err := stream.Err(); err != nil && streamCtx.Err() == nil {
			logger.Errorf("remote.Watch %s stream: %v", coll.Name(), err)
		}
	}()
	return feed, nil
}

func (c *Channel) track(cancel context.CancelFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.subs[c.next] = cancel
	return c.next
}

func (c *Channel) untrack(id int) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if c.owned {
		return c.client.Disconnect(ctx)
	}
	return nil
}
