package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// 群组与成员存储
type GroupStore struct{ DB *sql.DB }

func NewGroupStore(db *sql.DB) *GroupStore { return &GroupStore{DB: db} }

// 创建群组（建群者同时写入 owner 成员记录）
func (s *GroupStore) CreateGroup(ctx context.Context, id, name, ownerID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+"`groups`"+`(id, name, owner_id, created_at, updated_at) VALUES(?,?,?,?,?)`, id, name, ownerID, now, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO group_members(group_id, user_id, role, created_at) VALUES(?,?,?,?)`, id, ownerID, "owner", now); err != nil {
		return err
	}
	return tx.Commit()
}

// 查询群组；不存在返回 (nil, nil)
func (s *GroupStore) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, owner_id, created_at, updated_at FROM `+"`groups`"+` WHERE id=?`, groupID)
	g := &models.Group{}
	if err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// 解散群组：群记录与成员记录同一事务删除
func (s *GroupStore) DeleteGroup(ctx context.Context, groupID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=?`, groupID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+"`groups`"+` WHERE id=?`, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// 添加/更新成员
func (s *GroupStore) AddMember(ctx context.Context, groupID, userID, role string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO group_members(group_id, user_id, role, created_at) VALUES(?,?,?,?) ON DUPLICATE KEY UPDATE role=VALUES(role)`, groupID, userID, role, time.Now())
	return err
}

// 移除成员
func (s *GroupStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID)
	return err
}

// 用户加入群（成员表插入为 member）
func (s *GroupStore) JoinGroup(ctx context.Context, groupID, userID string) error {
	return s.AddMember(ctx, groupID, userID, "member")
}

// 是否群成员
func (s *GroupStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var x int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID).Scan(&x)
	if err != nil {
		return false, err
	}
	return x > 0, nil
}

// 列出群所有成员 userId
func (s *GroupStore) ListMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM group_members WHERE group_id=?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err == nil {
			ids = append(ids, uid)
		}
	}
	return ids, nil
}

// 获取用户的群组列表
func (s *GroupStore) ListUserGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	query := `
		SELECT
			g.id,
			g.name,
			g.owner_id,
			g.created_at,
			g.updated_at,
			(SELECT COUNT(*) FROM group_members WHERE group_id = g.id) as member_count
		FROM group_members gm
		LEFT JOIN ` + "`groups`" + ` g ON gm.group_id = g.id
		WHERE gm.user_id = ?
		ORDER BY gm.created_at DESC
	`

	rows, err := s.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g := &models.Group{}
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt, &g.MemberCount); err != nil {
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}
