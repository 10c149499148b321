package store

import (
	"context"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// MessageStoreInterface 抽象消息存储，MySQL 与 MongoDB 两套实现按配置切换。
type MessageStoreInterface interface {
	Append(ctx context.Context, m *models.Message) error
	List(ctx context.Context, convID string, fromSeq int64, limit int) ([]*models.Message, error)
}
