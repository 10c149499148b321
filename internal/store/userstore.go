package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// 用户存储
type UserStore struct{ DB *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

// 创建用户
func (s *UserStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(id, username, password, nickname, avatar_url, created_at, updated_at) VALUES(?,?,?,?,?,NOW(),NOW())`, u.ID, u.Username, u.Password, u.Nickname, u.AvatarURL)
	return err
}

// 按用户名查询；不存在返回 (nil, nil)
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, password, nickname, avatar_url, created_at, updated_at FROM users WHERE username=?`, username)
	return scanUser(row)
}

// 按 ID 查询用户
func (s *UserStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, password, nickname, avatar_url, created_at, updated_at FROM users WHERE id=?`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Nickname, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// 更新用户资料
func (s *UserStore) UpdateUser(ctx context.Context, u *models.User) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET nickname=?, avatar_url=?, updated_at=? WHERE id=?`, u.Nickname, u.AvatarURL, time.Now(), u.ID)
	return err
}

// 搜索用户（按用户名或昵称，排除自己；标记是否已是好友）
func (s *UserStore) SearchUsers(ctx context.Context, query string, currentUserID string) ([]map[string]interface{}, error) {
	searchSQL := `
		SELECT
			u.id,
			u.username,
			u.nickname,
			u.avatar_url,
			u.created_at,
			CASE WHEN f.friend_id IS NOT NULL THEN 1 ELSE 0 END as is_friend
		FROM users u
		LEFT JOIN friends f ON (f.user_id = ? AND f.friend_id = u.id)
		WHERE (u.username LIKE ? OR u.nickname LIKE ?)
		  AND u.id != ?
		ORDER BY
			CASE WHEN f.friend_id IS NOT NULL THEN 1 ELSE 0 END ASC,
			u.username ASC
		LIMIT 20
	`

	searchPattern := "%" + query + "%"
	rows, err := s.DB.QueryContext(ctx, searchSQL, currentUserID, searchPattern, searchPattern, currentUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []map[string]interface{}
	for rows.Next() {
		var userID, username, nickname, avatarURL string
		var createdAt time.Time
		var isFriend int

		if err := rows.Scan(&userID, &username, &nickname, &avatarURL, &createdAt, &isFriend); err != nil {
			continue
		}
		users = append(users, map[string]interface{}{
			"id":        userID,
			"username":  username,
			"nickname":  nickname,
			"avatarUrl": avatarURL,
			"createdAt": createdAt,
			"isFriend":  isFriend == 1,
		})
	}
	return users, nil
}
