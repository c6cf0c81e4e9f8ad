package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func findRecord(records []map[string]any, msg string) map[string]any {
	for _, r := range records {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func TestInitWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	Logger().Info("worktree_created", slog.String("branch", "feat-a"))

	rec := findRecord(readRecords(t, filepath.Join(dir, LogFileName)), "worktree_created")
	require.NotNil(t, rec)
	assert.Equal(t, "feat-a", rec["branch"])
}

func TestInitWithoutDebugDiscards(t *testing.T) {
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	Logger().Info("nowhere")
	ForComponent(CompGit).Warn("still_nowhere")
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	gitLog := ForComponent(CompGit).With(slog.String("repo", "/tmp/r"))

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	gitLog.Info("branch_checked", slog.Bool("exists", true))

	rec := findRecord(readRecords(t, filepath.Join(dir, LogFileName)), "branch_checked")
	require.NotNil(t, rec, "component logger created before Init must reach the file")
	assert.Equal(t, CompGit, rec["component"])
	assert.Equal(t, "/tmp/r", rec["repo"])
	assert.Equal(t, true, rec["exists"])
}

func TestForComponentGroup(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	ForComponent(CompSession).WithGroup("create").Info("state", slog.String("to", "provisioning"))

	rec := findRecord(readRecords(t, filepath.Join(dir, LogFileName)), "state")
	require.NotNil(t, rec)
	group, ok := rec["create"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "provisioning", group["to"])
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("filtered")
	Logger().Warn("kept")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	assert.Nil(t, findRecord(records, "filtered"))
	assert.NotNil(t, findRecord(records, "kept"))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestTextFormat(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("plain_text")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=plain_text")
}

func TestDumpRingBuffer(t *testing.T) {
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, RingBufferSize: 4096})
	defer Shutdown()

	Logger().Error("about_to_crash")

	dump := filepath.Join(dir, "crash", "dump.jsonl")
	require.NoError(t, DumpRingBuffer(dump))

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "about_to_crash")
}
