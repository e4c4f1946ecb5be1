package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"testing/fstest"

	"OpenMCP-Agent/deploy/migrations"
)

func TestLoadMigrationsOrdersAndSplits(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_later.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0002_first.sql": {Data: []byte("-- 初始表\nCREATE TABLE a (id INT);\nCREATE INDEX idx_a ON a (id);\n")},
		"0003_empty.sql": {Data: []byte("-- nothing yet\n")},
		"README.md":      {Data: []byte("ignored")},
	}
	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 10 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if len(got[0].Statements) != 2 || got[0].Statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected statements: %q", got[0].Statements)
	}
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	for name, fsys := range map[string]fstest.MapFS{
		"missing version": {"create.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"0001_a.sql": {Data: []byte("SELECT 1;")},
			"1_b.sql":    {Data: []byte("SELECT 2;")},
		},
	} {
		if _, err := LoadMigrations(fsys); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := LoadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if len(got) < 2 || got[0].Name != "0001_create_task_states.sql" {
		t.Fatalf("unexpected embedded migrations: %+v", got)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT);\nCREATE TABLE c (id INT);")},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(createSchemaTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{int64(1)}},
		}),
		beginOp(),
		execOp(`CREATE TABLE b (id INT)`, mockResult{}),
		execOp(`CREATE TABLE c (id INT)`, mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer db.Close()

	applied, err := Migrate(context.Background(), db, fsys)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
	drv.assertConsumed(t)
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	fsys := fstest.MapFS{"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")}}
	failing := execOp(`CREATE TABLE a (id INT)`, mockResult{})
	failing.err = errors.New("syntax error")
	db, drv := newMockDB(t, []mockOperation{
		execOp(createSchemaTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	})
	defer db.Close()

	if _, err := Migrate(context.Background(), db, fsys); err == nil {
		t.Fatalf("expected migration failure")
	}
	drv.assertConsumed(t)
}
