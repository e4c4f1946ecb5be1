package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"OpenMCP-Agent/internal/agent"
	xerrors "OpenMCP-Agent/internal/errors"
	storage "OpenMCP-Agent/internal/storage/mysql"
)

const taskColumns = `id, mode, goal, steps, metadata, status, attempts, max_retries, last_error, error_code,
        final_answer, outcome_state, outcome_reason, iterations, todo_markdown, created_at, updated_at`

// MySQLStore 使用 MySQL 记录任务状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接池、执行迁移并返回 MySQLStore。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.OpenAndMigrate(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化任务存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 复用已经完成迁移的连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	metadataValue, err := marshalJSONColumn(task.Metadata, len(task.Metadata) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	stepsValue, err := marshalJSONColumn(task.Steps, len(task.Steps) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务步骤失败")
	}

	const stmt = `INSERT INTO task_states
        (id, mode, goal, steps, metadata, status, attempts, max_retries, last_error, error_code,
        final_answer, outcome_state, outcome_reason, iterations, todo_markdown, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '', '', '', 0, '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		string(task.Mode),
		task.Goal,
		stepsValue,
		metadataValue,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldrv.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                                  Task
		mode                                  string
		steps, metadata                       sql.NullString
		lastError, errorCode                  sql.NullString
		finalAnswer, outcomeState, reason, td sql.NullString
		iterations                            int
	)
	if err := row.Scan(
		&task.ID,
		&mode,
		&task.Goal,
		&steps,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&errorCode,
		&finalAnswer,
		&outcomeState,
		&reason,
		&iterations,
		&td,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Mode = agent.Mode(mode)
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String

	if err := unmarshalJSONColumn(steps, &task.Steps); err != nil {
		return nil, fmt.Errorf("解析任务步骤失败: %w", err)
	}
	if err := unmarshalJSONColumn(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}

	result := ExecutionResult{
		State:       outcomeState.String,
		FinalAnswer: finalAnswer.String,
		Reason:      reason.String,
		Iterations:  iterations,
		Todo:        td.String,
	}
	if !result.Empty() {
		task.Result = &result
	}
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt, StatusRunning, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status.Terminal():
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 将运行中的任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE task_states SET status = ?, final_answer = ?, outcome_state = ?, outcome_reason = ?,
        iterations = ?, todo_markdown = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.FinalAnswer,
		result.State,
		result.Reason,
		result.Iterations,
		result.Todo,
		time.Now().Unix(),
		id,
		StatusRunning,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	return s.checkTransition(ctx, res, id)
}

// MarkFailed 将任务标记为失败；非终止失败回到 pending 等待重投。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		lastError,
		string(code),
		time.Now().Unix(),
		id,
		StatusPending,
		StatusRunning,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.checkTransition(ctx, res, id)
}

// MarkAborted 将尚未终止的任务标记为已取消。
func (s *MySQLStore) MarkAborted(ctx context.Context, id string, reason string) error {
	const stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, outcome_state = ?, outcome_reason = ?,
        updated_at = ? WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusAborted,
		reason,
		string(xerrors.CodeCancelled),
		string(agent.StateAborted),
		reason,
		time.Now().Unix(),
		id,
		StatusPending,
		StatusRunning,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务取消失败")
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition 区分任务不存在与状态不允许两种未命中情况。
func (s *MySQLStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskConflict
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()

	query := `SELECT ` + taskColumns + ` FROM task_states`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS aborted,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed), string(StatusAborted)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Aborted,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalJSONColumn(value any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, opts.Mode)
	}
	since, until := opts.updatedBounds()
	if since > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, until)
	}
	if opts.Finished != nil {
		if *opts.Finished {
			conditions = append(conditions, "outcome_state <> ''")
		} else {
			conditions = append(conditions, "(outcome_state IS NULL OR outcome_state = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR goal LIKE ? OR last_error LIKE ? OR final_answer LIKE ? OR outcome_reason LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
