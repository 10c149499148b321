package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// User/Friend/FriendRequest/Group/Message 等为核心领域模型。
// Event 为实时事件的统一封装：REST 层产生事件，经分发器写入推送通道与信令队列，
// 客户端从两条传输通道消费同一事件（按事件 ID 去重）。

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Friend struct {
	UserID    string    `json:"userId"`
	FriendID  string    `json:"friendId"`
	Remark    string    `json:"remark"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 好友申请状态
const (
	FriendRequestPending  = "pending"
	FriendRequestAccepted = "accepted"
	FriendRequestRejected = "rejected"
)

type FriendRequest struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Status     string    `json:"status"` // pending, accepted, rejected
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	MemberCount int       `json:"memberCount,omitempty"`
}

type GroupMember struct {
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"` // owner, member
	CreatedAt time.Time `json:"createdAt"`
}

// 消息类型常量
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
)

// Message 表示一条持久化消息。
// - ConvID 为会话键：单聊为排序后的双方 ID 拼接，群聊为 g:<groupId>
// - Seq 为会话内顺序（演示用 UnixNano，生产建议严格递增的会话内序列生成器）
type Message struct {
	ID          string    `json:"id"`
	ConvID      string    `json:"convId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipient,omitempty"`
	GroupID     string    `json:"groupId,omitempty"`
	Type        string    `json:"type"` // text, image, audio, video
	Content     string    `json:"content"`
	FileURL     string    `json:"fileUrl,omitempty"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
}

// 文件上传记录
type FileUpload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	MimeType  string    `json:"mimeType"`
	StorePath string    `json:"-"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventType 为实时事件类型（封闭集合，解码边界拒绝未知类型）。
type EventType string

const (
	EventReceiveMessage EventType = "receive_message"
	EventCallUser       EventType = "call_user"
	EventCallAccepted   EventType = "call_accepted"
	EventIceCandidate   EventType = "ice_candidate"
	EventEndCall        EventType = "end_call"
	EventFriendRequest  EventType = "friend_request"
	EventFriendAccepted EventType = "friend_accepted"
	EventGroupCreated   EventType = "group_created"
	EventGroupDeleted   EventType = "group_deleted"
)

// ParseEventType 校验事件类型；未知类型显式报错而非静默通过。
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventReceiveMessage, EventCallUser, EventCallAccepted, EventIceCandidate,
		EventEndCall, EventFriendRequest, EventFriendAccepted, EventGroupCreated, EventGroupDeleted:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type: %q", s)
}

// Event 为投递给客户端的事件。创建后不可变；
// 推送与轮询两条路径独立投递同一事件，客户端按 ID 去重。
type Event struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	TargetUserID string          `json:"-"` // 仅服务端路由使用，不进入下发负载
	Payload      json.RawMessage `json:"payload"`
	Timestamp    int64           `json:"ts"`
}

// MessageSender 为 receive_message 事件中内嵌的发送者信息。
type MessageSender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// ReceiveMessagePayload 新消息事件负载（单聊带 recipient，群聊带 groupId）。
type ReceiveMessagePayload struct {
	ID        string        `json:"id"`
	Sender    MessageSender `json:"sender"`
	Recipient string        `json:"recipient,omitempty"`
	GroupID   string        `json:"groupId,omitempty"`
	Content   string        `json:"content"`
	Type      string        `json:"type"` // text, image, audio, video
	FileURL   string        `json:"fileUrl,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// CallSignal 为 SDP 描述（offer/answer）；IsVideo 标记呼叫是否带视频。
type CallSignal struct {
	Type    string `json:"type"` // offer, answer
	SDP     string `json:"sdp"`
	IsVideo bool   `json:"isVideo,omitempty"`
}

// CallUserPayload 呼叫事件：携带 offer 与主叫显示名。
type CallUserPayload struct {
	From   string     `json:"from"`
	Signal CallSignal `json:"signal"`
	Name   string     `json:"name"`
}

// CallAcceptedPayload 应答事件：SDP answer。
type CallAcceptedPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidatePayload ICE 候选。Candidate 为 nil 表示收集结束（接收方 no-op）；
// Candidate 与 SDPMid/SDPMLineIndex 均缺失视为畸形，静默丢弃并记录。
type IceCandidatePayload struct {
	From          string  `json:"from,omitempty"`
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// EndCallPayload 挂断事件。
type EndCallPayload struct {
	From string `json:"from"`
}

// FriendRequestPayload 好友申请/通过事件负载。
type FriendRequestPayload struct {
	RequestID string        `json:"requestId"`
	From      MessageSender `json:"from"`
}

// GroupEventPayload 群创建/解散事件负载。
type GroupEventPayload struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}

// DecodePayload 在分发边界将事件负载解码为具体类型（按类型穷尽匹配）。
// 未知类型返回错误，由调用方丢弃并记录。
func DecodePayload(e *Event) (any, error) {
	switch e.Type {
	case EventReceiveMessage:
		var p ReceiveMessagePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventCallUser:
		var p CallUserPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventCallAccepted:
		var p CallAcceptedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventIceCandidate:
		var p IceCandidatePayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventEndCall:
		var p EndCallPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventFriendRequest, EventFriendAccepted:
		var p FriendRequestPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case EventGroupCreated, EventGroupDeleted:
		var p GroupEventPayload
		return &p, json.Unmarshal(e.Payload, &p)
	}
	return nil, fmt.Errorf("unknown event type: %q", e.Type)
}
