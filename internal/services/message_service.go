// Package services 实现业务服务：消息入库与分发、ICE 配置下发、文件上传等。
package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sylaw2022/ChatApp/internal/models"
	"github.com/sylaw2022/ChatApp/internal/signal"
	"github.com/sylaw2022/ChatApp/internal/store"
)

// ProfileReader 读取用户资料（构造事件里的发送者信息）。
type ProfileReader interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// FriendChecker 校验单聊双方的好友关系。
type FriendChecker interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

// GroupMembership 校验群成员资格并列出分发目标。
type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	ListMemberIDs(ctx context.Context, groupID string) ([]string, error)
}

// MessageService 负责消息生命周期：
// - Send：校验/入库/分发 receive_message 事件（单聊发对方，群聊发除发送者外全体成员）
// - List：按会话 seq 游标增量拉取历史
// 存储与关系校验均走接口，由 internal/store 的 MySQL/Mongo 实现承接。
type MessageService struct {
	Store      store.MessageStoreInterface // 使用接口支持多种存储
	Users      ProfileReader
	Friends    FriendChecker
	Groups     GroupMembership
	Dispatcher *signal.Dispatcher
}

// SendRequest 发送请求载荷（服务内部），来自 HTTP 层组装。
type SendRequest struct {
	From      string `json:"from"`
	Recipient string `json:"recipient,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	FileURL   string `json:"fileUrl,omitempty"`
}

// ConvIDForUsers 单聊会话键：双方 ID 排序后拼接，与方向无关。
func ConvIDForUsers(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ConvIDForGroup 群聊会话键。
func ConvIDForGroup(groupID string) string { return "g:" + groupID }

// Send 执行消息入库与分发：
// 1) 校验关系（单聊需好友，群聊需成员）
// 2) 入库；Seq 取 UnixNano（演示用序列，生产应使用会话内有序生成）
// 3) 分发 receive_message 事件；发送者不收自己的事件
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*models.Message, error) {
	if req.Recipient == "" && req.GroupID == "" {
		return nil, fmt.Errorf("recipient or groupId required")
	}
	if req.Recipient != "" && req.GroupID != "" {
		return nil, fmt.Errorf("recipient and groupId are mutually exclusive")
	}

	var convID string
	var targets []string
	if req.Recipient != "" {
		ok, err := s.Friends.IsFriend(ctx, req.From, req.Recipient)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("not friends with %s", req.Recipient)
		}
		convID = ConvIDForUsers(req.From, req.Recipient)
		targets = []string{req.Recipient}
	} else {
		ok, err := s.Groups.IsMember(ctx, req.GroupID, req.From)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("not a member of group %s", req.GroupID)
		}
		convID = ConvIDForGroup(req.GroupID)
		members, err := s.Groups.ListMemberIDs(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m != req.From {
				targets = append(targets, m)
			}
		}
	}

	msg := &models.Message{
		ID:          uuid.NewString(),
		ConvID:      convID,
		SenderID:    req.From,
		RecipientID: req.Recipient,
		GroupID:     req.GroupID,
		Type:        req.Type,
		Content:     req.Content,
		FileURL:     req.FileURL,
		Seq:         time.Now().UnixNano(), // 演示用序列（生产应使用有序生成）
		Timestamp:   time.Now(),
	}
	if err := s.Store.Append(ctx, msg); err != nil {
		return nil, err
	}
	log.Printf("message sent conv=%s from=%s targets=%d seq=%d", convID, req.From, len(targets), msg.Seq)

	sender := models.MessageSender{ID: req.From}
	if u, err := s.Users.GetByID(ctx, req.From); err == nil && u != nil {
		sender.Username = u.Username
		sender.Nickname = u.Nickname
		sender.Avatar = u.AvatarURL
	}
	payload := models.ReceiveMessagePayload{
		ID:        msg.ID,
		Sender:    sender,
		Recipient: req.Recipient,
		GroupID:   req.GroupID,
		Content:   req.Content,
		Type:      req.Type,
		FileURL:   req.FileURL,
		Timestamp: msg.Timestamp.UnixMilli(),
	}
	s.Dispatcher.DispatchAll(targets, models.EventReceiveMessage, payload)
	return msg, nil
}

// List 按会话增量拉取历史；调用方须先做成员/好友校验。
func (s *MessageService) List(ctx context.Context, convID string, fromSeq int64, limit int) ([]*models.Message, error) {
	return s.Store.List(ctx, convID, fromSeq, limit)
}
