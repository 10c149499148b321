package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// 好友关系与好友申请存储
type FriendStore struct{ DB *sql.DB }

func NewFriendStore(db *sql.DB) *FriendStore { return &FriendStore{DB: db} }

// 添加或更新好友（备注）
func (s *FriendStore) AddFriend(ctx context.Context, userID, friendID, remark string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO friends(user_id, friend_id, remark, created_at, updated_at) VALUES(?,?,?,?,?) ON DUPLICATE KEY UPDATE remark=VALUES(remark), updated_at=VALUES(updated_at)`, userID, friendID, remark, time.Now(), time.Now())
	return err
}

// 删除好友
func (s *FriendStore) DeleteFriend(ctx context.Context, userID, friendID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM friends WHERE user_id=? AND friend_id=?`, userID, friendID)
	return err
}

// 是否为好友：放宽为单向即可（任一方向存在关系即认为允许发起会话）
func (s *FriendStore) IsFriend(ctx context.Context, a, b string) (bool, error) {
	var x int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM friends WHERE (user_id=? AND friend_id=?) OR (user_id=? AND friend_id=?)`, a, b, b, a).Scan(&x)
	if err != nil {
		return false, err
	}
	return x >= 1, nil
}

// 获取用户的好友列表
func (s *FriendStore) ListFriends(ctx context.Context, userID string) ([]map[string]interface{}, error) {
	query := `
		SELECT
			f.friend_id,
			f.remark,
			f.created_at,
			u.username,
			u.nickname,
			u.avatar_url
		FROM friends f
		LEFT JOIN users u ON f.friend_id = u.id
		WHERE f.user_id = ?
		ORDER BY f.created_at DESC
	`

	rows, err := s.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []map[string]interface{}
	for rows.Next() {
		var friendID, remark, username, nickname, avatarURL sql.NullString
		var createdAt time.Time

		if err := rows.Scan(&friendID, &remark, &createdAt, &username, &nickname, &avatarURL); err != nil {
			continue
		}
		friends = append(friends, map[string]interface{}{
			"id":        friendID.String,
			"username":  username.String,
			"nickname":  nickname.String,
			"avatarUrl": avatarURL.String,
			"remark":    remark.String,
			"createdAt": createdAt,
		})
	}
	return friends, nil
}

// 创建好友申请（同一对用户的 pending 申请唯一）
func (s *FriendStore) CreateRequest(ctx context.Context, r *models.FriendRequest) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO friend_requests(id, from_user_id, to_user_id, status, created_at, updated_at) VALUES(?,?,?,?,?,?)`, r.ID, r.FromUserID, r.ToUserID, models.FriendRequestPending, time.Now(), time.Now())
	return err
}

// 查询申请；不存在返回 (nil, nil)
func (s *FriendStore) GetRequest(ctx context.Context, requestID string) (*models.FriendRequest, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, from_user_id, to_user_id, status, created_at, updated_at FROM friend_requests WHERE id=?`, requestID)
	r := &models.FriendRequest{}
	if err := row.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// 收到的待处理申请列表
func (s *FriendStore) ListPendingRequests(ctx context.Context, toUserID string) ([]*models.FriendRequest, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, from_user_id, to_user_id, status, created_at, updated_at FROM friend_requests WHERE to_user_id=? AND status=? ORDER BY created_at DESC`, toUserID, models.FriendRequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.FriendRequest
	for rows.Next() {
		r := &models.FriendRequest{}
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err == nil {
			res = append(res, r)
		}
	}
	return res, nil
}

// AcceptRequest 通过申请：状态流转 + 双向写入好友关系，同一事务完成。
func (s *FriendStore) AcceptRequest(ctx context.Context, requestID string) (*models.FriendRequest, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, from_user_id, to_user_id, status, created_at, updated_at FROM friend_requests WHERE id=? FOR UPDATE`, requestID)
	r := &models.FriendRequest{}
	if err := row.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if r.Status != models.FriendRequestPending {
		return nil, errors.New("friend request already handled")
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE friend_requests SET status=?, updated_at=? WHERE id=?`, models.FriendRequestAccepted, now, requestID); err != nil {
		return nil, err
	}
	for _, pair := range [][2]string{{r.FromUserID, r.ToUserID}, {r.ToUserID, r.FromUserID}} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO friends(user_id, friend_id, remark, created_at, updated_at) VALUES(?,?,?,?,?) ON DUPLICATE KEY UPDATE updated_at=VALUES(updated_at)`, pair[0], pair[1], "", now, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.Status = models.FriendRequestAccepted
	return r, nil
}

// RejectRequest 拒绝申请（仅 pending 可拒绝）。
func (s *FriendStore) RejectRequest(ctx context.Context, requestID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE friend_requests SET status=?, updated_at=? WHERE id=? AND status=?`, models.FriendRequestRejected, time.Now(), requestID, models.FriendRequestPending)
	return err
}
