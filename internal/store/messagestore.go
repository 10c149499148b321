package store

import (
	"context"
	"database/sql"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// MessageStore 基于 SQL 的消息存储实现（MySQL/TiDB 兼容）。
// 约束：
// - messages 表需具备 (conv_id, id) 唯一键保障幂等
// - idx_conv_seq 支撑按会话顺序拉取
type MessageStore struct{ DB *sql.DB }

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{DB: db} }

// Append 插入消息；使用 INSERT IGNORE 实现幂等写入。
func (s *MessageStore) Append(ctx context.Context, m *models.Message) error {
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO messages(id, conv_id, sender_id, recipient_id, group_id, type, content, file_url, seq, timestamp) VALUES(?,?,?,?,?,?,?,?,?,?)`, m.ID, m.ConvID, m.SenderID, m.RecipientID, m.GroupID, m.Type, m.Content, m.FileURL, m.Seq, m.Timestamp)
	return err
}

// List 按会话增量拉取历史（seq 升序）。
func (s *MessageStore) List(ctx context.Context, convID string, fromSeq int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, conv_id, sender_id, recipient_id, group_id, type, content, file_url, seq, timestamp FROM messages WHERE conv_id=? AND seq>? ORDER BY seq ASC LIMIT ?`, convID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.ConvID, &m.SenderID, &m.RecipientID, &m.GroupID, &m.Type, &m.Content, &m.FileURL, &m.Seq, &m.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}
