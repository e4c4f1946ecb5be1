package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditKind 区分审计记录的来源。
type AuditKind string

const (
	AuditPlan     AuditKind = "plan"
	AuditSummary  AuditKind = "summary"
	AuditOutcome  AuditKind = "outcome"
	AuditEscalate AuditKind = "escalation"
)

// AuditRecord 是一条规划审计记录。
type AuditRecord struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Kind      AuditKind `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt int64     `json:"created_at"`
}

// AuditRepository 追加并查询审计记录。
type AuditRepository interface {
	Append(ctx context.Context, record *AuditRecord) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]AuditRecord, error)
}

// FileAuditRepository 以 JSONL 追加写入本地文件，并在内存中按任务索引。
type FileAuditRepository struct {
	mu     sync.RWMutex
	path   string
	nextID int64
	byTask map[string][]AuditRecord
}

// NewFileAuditRepository 创建文件审计仓库，path 为空时仅保存在内存中。
func NewFileAuditRepository(path string) (*FileAuditRepository, error) {
	repo := &FileAuditRepository{path: path, byTask: make(map[string][]AuditRecord)}
	if path == "" {
		return repo, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计目录失败: %w", err)
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 追加一条记录并分配 ID。
func (r *FileAuditRepository) Append(_ context.Context, record *AuditRecord) error {
	if record == nil || strings.TrimSpace(record.TaskID) == "" {
		return fmt.Errorf("审计记录缺少任务 ID")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	record.ID = r.nextID

	if r.path != "" {
		file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开审计日志失败: %w", err)
		}
		defer file.Close()
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("序列化审计记录失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入审计日志失败: %w", err)
		}
	}
	r.byTask[record.TaskID] = append(r.byTask[record.TaskID], *record)
	return nil
}

// ListByTask 按写入顺序返回任务的审计记录，limit<=0 返回全部。
func (r *FileAuditRepository) ListByTask(_ context.Context, taskID string, limit int) ([]AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byTask[taskID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]AuditRecord, limit)
	copy(out, records[:limit])
	return out, nil
}

func (r *FileAuditRepository) loadFromDisk() error {
	file, err := os.OpenFile(r.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > r.nextID {
			r.nextID = record.ID
		}
		r.byTask[record.TaskID] = append(r.byTask[record.TaskID], record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}
	return nil
}

// SQLAuditRepository 使用 MySQL 保存审计记录。
type SQLAuditRepository struct {
	db *sql.DB
}

// NewSQLAuditRepository 基于已迁移的连接池创建仓库。
func NewSQLAuditRepository(db *sql.DB) *SQLAuditRepository {
	return &SQLAuditRepository{db: db}
}

const insertAuditSQL = `INSERT INTO audit_records (task_id, iteration, kind, content, created_at)
    VALUES (?, ?, ?, ?, ?)`

const listAuditSQL = `SELECT id, task_id, iteration, kind, content, created_at
    FROM audit_records WHERE task_id = ? ORDER BY id ASC LIMIT ?`

// Append 写入一条审计记录。
func (s *SQLAuditRepository) Append(ctx context.Context, record *AuditRecord) error {
	if record == nil || strings.TrimSpace(record.TaskID) == "" {
		return fmt.Errorf("审计记录缺少任务 ID")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, insertAuditSQL,
		record.TaskID,
		record.Iteration,
		string(record.Kind),
		record.Content,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListByTask 查询任务的审计记录。
func (s *SQLAuditRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listAuditSQL, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		var kind string
		if err := rows.Scan(&record.ID, &record.TaskID, &record.Iteration, &kind, &record.Content, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		record.Kind = AuditKind(kind)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAuditRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
