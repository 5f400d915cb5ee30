package migrate

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/session"
	tsync "github.com/steveyegge/tasksync/internal/sync"
)

var t0 = time.Date(2025, 4, 2, 8, 30, 0, 654321000, time.UTC)

func sampleRecords() []schema.TaskRecord {
	return []schema.TaskRecord{
		{ID: "a", UserID: "u1", Text: "Buy milk", CreatedAt: t0, UpdatedAt: t0, Counter: 1},
		{ID: "b", UserID: "u1", Text: "Walk dog", Done: true, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute), Counter: 3},
		{ID: "c", UserID: "u1", Text: "quote \" and\nnewline", Deleted: true, CreatedAt: t0, UpdatedAt: t0.Add(time.Hour), Counter: 2},
	}
}

// TestExportImport tests that every format preserves every field
func TestExportImport(t *testing.T) {
	for _, format := range []Format{FormatJSONL, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks."+string(format))
			want := sampleRecords()

			if err := ExportFile(path, want, ""); err != nil {
				t.Fatalf("ExportFile() failed: %v", err)
			}
			got, err := ImportFile(path, "")
			if err != nil {
				t.Fatalf("ImportFile() failed: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("imported %d records, want %d", len(got), len(want))
			}
			for i := range want {
				if !got[i].Equal(want[i]) {
					t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestExport_JSONLIsOneRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, sampleRecords(), FormatJSONL); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"user_id":"u1"`) {
		t.Errorf("line uses unexpected field names: %s", lines[0])
	}
}

func TestFormats(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"out.jsonl", FormatJSONL},
		{"out.YAML", FormatYAML},
		{"out.yml", FormatYAML},
		{"dir.d/out.toml", FormatTOML},
		{"out", FormatJSONL},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}

	if f, err := ParseFormat("YML"); err != nil || f != FormatYAML {
		t.Errorf("ParseFormat(YML) = %s, %v", f, err)
	}
	if _, err := ParseFormat("csv"); err == nil {
		t.Error("expected error for csv")
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format Format
	}{
		{"bad json", "{\"id\":\"a\"}\n{oops", FormatJSONL},
		{"bad yaml", "tasks: [unclosed", FormatYAML},
		{"bad toml", "tasks = nope", FormatTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Import(strings.NewReader(tt.input), tt.format); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := ImportFile("/nonexistent/path.jsonl", ""); err == nil {
		t.Error("expected error for nonexistent file")
	}

	recs, err := Import(strings.NewReader(""), FormatYAML)
	if err != nil || len(recs) != 0 {
		t.Errorf("empty YAML = %v, %v", recs, err)
	}
}

// TestApply tests importing into a live session
func TestApply(t *testing.T) {
	discard := log.New(io.Discard, "", 0)
	cfg := tsync.DefaultConfig()
	cfg.Logger = discard
	mem := remote.NewMemory()

	s, err := session.Open(context.Background(), "u1", session.Options{
		Auth:   auth.NewStatic(auth.Identity{UserID: "u1"}),
		Remote: mem,
		Sync:   cfg,
		Logger: discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	records := append(sampleRecords(), schema.TaskRecord{
		ID: "x", UserID: "u2", Text: "not mine", CreatedAt: t0, UpdatedAt: t0,
	})
	result := Apply(s, records)
	if result.Applied != 3 || result.Unchanged != 0 || len(result.Errors) != 1 {
		t.Fatalf("first Apply() = %+v", result)
	}

	result = Apply(s, sampleRecords())
	if result.Applied != 0 || result.Unchanged != 3 {
		t.Errorf("second Apply() = %+v", result)
	}

	if n := len(s.ListTasks()); n != 2 {
		t.Errorf("visible tasks = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if rows := mem.Rows("u1"); len(rows) != 3 {
		t.Errorf("remote has %d rows, want 3 (imports are pushed)", len(rows))
	}
}
