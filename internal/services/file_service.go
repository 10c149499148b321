package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sylaw2022/ChatApp/internal/models"
)

// 文件服务：本地磁盘存储，记录落库。
type FileService struct {
	DB        *sql.DB
	UploadDir string // 本地上传目录
	BaseURL   string // 文件访问基础 URL
	MaxSize   int64  // 最大文件大小（字节）
}

func NewFileService(db *sql.DB, uploadDir, baseURL string, maxSize int64) *FileService {
	return &FileService{DB: db, UploadDir: uploadDir, BaseURL: baseURL, MaxSize: maxSize}
}

// 上传文件：存储路径 uploads/yyyy/mm/dd/uuid.ext
func (s *FileService) UploadFile(ctx context.Context, userID string, file multipart.File, header *multipart.FileHeader) (*models.FileUpload, error) {
	if header.Size > s.MaxSize {
		return nil, fmt.Errorf("file size exceeds limit: %d bytes", s.MaxSize)
	}

	fileID := uuid.NewString()
	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".bin"
	}

	now := time.Now()
	relativeDir := fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day())
	storageDir := filepath.Join(s.UploadDir, relativeDir)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	fileName := fileID + ext
	filePath := filepath.Join(storageDir, fileName)
	relativePath := filepath.Join(relativeDir, fileName)

	upload := &models.FileUpload{
		ID:        fileID,
		UserID:    userID,
		FileName:  header.Filename,
		FileSize:  header.Size,
		MimeType:  header.Header.Get("Content-Type"),
		StorePath: relativePath,
		URL:       s.BaseURL + "/" + strings.ReplaceAll(relativePath, "\\", "/"),
		CreatedAt: now,
	}

	dst, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	if err := s.createFileRecord(ctx, upload); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}
	return upload, nil
}

// 获取文件信息
func (s *FileService) GetFile(ctx context.Context, fileID string) (*models.FileUpload, error) {
	query := `SELECT id, user_id, file_name, file_size, mime_type, store_path, url, created_at FROM file_uploads WHERE id = ?`
	var upload models.FileUpload
	err := s.DB.QueryRowContext(ctx, query, fileID).Scan(
		&upload.ID, &upload.UserID, &upload.FileName, &upload.FileSize,
		&upload.MimeType, &upload.StorePath, &upload.URL, &upload.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", fileID)
	}
	return &upload, nil
}

// 删除文件（仅上传者本人）
func (s *FileService) DeleteFile(ctx context.Context, fileID, userID string) error {
	upload, err := s.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if upload.UserID != userID {
		return fmt.Errorf("permission denied")
	}
	os.Remove(filepath.Join(s.UploadDir, upload.StorePath))
	_, err = s.DB.ExecContext(ctx, `DELETE FROM file_uploads WHERE id = ?`, fileID)
	return err
}

// 获取用户文件列表
func (s *FileService) ListUserFiles(ctx context.Context, userID string, limit, offset int) ([]*models.FileUpload, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT id, user_id, file_name, file_size, mime_type, store_path, url, created_at
			  FROM file_uploads WHERE user_id = ?
			  ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []*models.FileUpload
	for rows.Next() {
		var upload models.FileUpload
		if err := rows.Scan(&upload.ID, &upload.UserID, &upload.FileName, &upload.FileSize,
			&upload.MimeType, &upload.StorePath, &upload.URL, &upload.CreatedAt); err != nil {
			continue
		}
		uploads = append(uploads, &upload)
	}
	return uploads, nil
}

func (s *FileService) createFileRecord(ctx context.Context, upload *models.FileUpload) error {
	query := `INSERT INTO file_uploads (id, user_id, file_name, file_size, mime_type, store_path, url, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query,
		upload.ID, upload.UserID, upload.FileName, upload.FileSize,
		upload.MimeType, upload.StorePath, upload.URL, upload.CreatedAt)
	return err
}
