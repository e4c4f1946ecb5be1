package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Agent/deploy/migrations"
	xerrors "OpenMCP-Agent/internal/errors"
)

const createSchemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// Migration 对应一个形如 0002_create_audit_records.sql 的迁移文件。
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// LoadMigrations 读取 fsys 根目录下的 .sql 文件并按版本升序返回。
// 文件名必须以数字版本开头，版本不可重复；空文件被忽略。
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	seen := make(map[int]string, len(names))
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("迁移版本 %d 重复: %s 与 %s", version, prev, name))
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		if stmts := splitStatements(string(content)); len(stmts) > 0 {
			out = append(out, Migration{Version: version, Name: name, Statements: stmts})
		}
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Migrate 在 db 上依次执行 fsys 中尚未记录的迁移，每个迁移一个事务，
// 返回本次应用的文件名。
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	pending, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range pending {
		if done[m.Version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// RunMigrations 执行随二进制内嵌的 deploy/migrations。
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := Migrate(ctx, db, migrations.Files)
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析迁移版本失败")
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return done, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.Statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", m.Name, i+1))
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func migrationVersion(name string) (int, error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	prefix, _, _ := strings.Cut(base, "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, xerrors.New(xerrors.CodeStorageFailure, "迁移文件名缺少版本号: "+name)
	}
	return version, nil
}

// splitStatements 去掉 -- 注释行后按分号切分语句。
func splitStatements(content string) []string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
