package storage

import (
	"testing"
	"testing/fstest"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name:     "escaped quote",
			sql:      "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			expected: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	got := stripComments("-- header\nCREATE TABLE a (id INT)\n  -- trailing")
	if got != "CREATE TABLE a (id INT)" {
		t.Errorf("stripComments() = %q", got)
	}
	if got := stripComments("-- only a comment"); got != "" {
		t.Errorf("stripComments() = %q, want empty", got)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("loadMigrations() returned %d migrations, want at least 2", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "create_events" {
		t.Errorf("first migration = %d %q", migrations[0].Version, migrations[0].Name)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: %d after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}
}

func TestLoadMigrations_SkipsMalformedAndSorts(t *testing.T) {
	files := fstest.MapFS{
		"migrations/010_later.sql": {Data: []byte("SELECT 10")},
		"migrations/002_first.sql": {Data: []byte("SELECT 2")},
		"migrations/notes.txt":     {Data: []byte("ignored")},
		"migrations/bad_name.sql":  {Data: []byte("SELECT 0")},
	}

	migrations, err := loadMigrations(files)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Version != 2 || migrations[1].Version != 10 {
		t.Errorf("versions = %d, %d", migrations[0].Version, migrations[1].Version)
	}

	todo := pending(migrations, map[int]bool{2: true})
	if len(todo) != 1 || todo[0].Version != 10 {
		t.Errorf("pending() = %+v", todo)
	}
}
