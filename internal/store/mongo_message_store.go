package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现。
// - 通过 (conv_id, msg_id) 唯一索引保障幂等
// - List 按 seq 升序增量拉取
type MongoMessageStore struct {
	DB *mongo.Database
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	ms := &MongoMessageStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_id", Value: 1}, {Key: "msg_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv_msg"),
	})
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetName("idx_conv_seq"),
	})
	return ms
}

// mongoMessage 为存储层内部结构，与 models.Message 字段一一映射。
type mongoMessage struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	MsgID       string             `bson:"msg_id"`
	ConvID      string             `bson:"conv_id"`
	SenderID    string             `bson:"sender_id"`
	RecipientID string             `bson:"recipient_id,omitempty"`
	GroupID     string             `bson:"group_id,omitempty"`
	Type        string             `bson:"type"`
	Content     string             `bson:"content"`
	FileURL     string             `bson:"file_url,omitempty"`
	Seq         int64              `bson:"seq"`
	Timestamp   time.Time          `bson:"timestamp"`
}

func (s *MongoMessageStore) collection() *mongo.Collection {
	return s.DB.Collection("messages")
}

// Append 幂等写入消息（upsert + $setOnInsert）。
func (s *MongoMessageStore) Append(ctx context.Context, m *models.Message) error {
	doc := &mongoMessage{
		MsgID:       m.ID,
		ConvID:      m.ConvID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Type:        m.Type,
		Content:     m.Content,
		FileURL:     m.FileURL,
		Seq:         m.Seq,
		Timestamp:   m.Timestamp,
	}
	filter := bson.D{
		{Key: "conv_id", Value: m.ConvID},
		{Key: "msg_id", Value: m.ID},
	}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	opts := options.Update().SetUpsert(true)
	_, err := s.collection().UpdateOne(ctx, filter, update, opts)
	return err
}

// List 增量拉取历史。
func (s *MongoMessageStore) List(ctx context.Context, convID string, fromSeq int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filter := bson.D{
		{Key: "conv_id", Value: convID},
		{Key: "seq", Value: bson.D{{Key: "$gt", Value: fromSeq}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit))

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var result []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		result = append(result, &models.Message{
			ID:          doc.MsgID,
			ConvID:      doc.ConvID,
			SenderID:    doc.SenderID,
			RecipientID: doc.RecipientID,
			GroupID:     doc.GroupID,
			Type:        doc.Type,
			Content:     doc.Content,
			FileURL:     doc.FileURL,
			Seq:         doc.Seq,
			Timestamp:   doc.Timestamp,
		})
	}
	return result, cursor.Err()
}
