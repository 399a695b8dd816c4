package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q)=%v, want %v", raw, got, want)
		}
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logs, err := New(Config{
		Level:  "debug",
		Format: "json",
		File:   FileConfig{Enabled: true, Path: dir, Name: "bridge.log"},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	logs.Root().Info("bridge started")
	_ = logs.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "bridge.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"bridge started"`) {
		t.Fatalf("log=%s, want json line with message", data)
	}
}

func TestConsoleFormat(t *testing.T) {
	dir := t.TempDir()
	logs, err := New(Config{
		Format: "console",
		File:   FileConfig{Enabled: true, Path: dir},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	logs.Root().Warn("console line")
	_ = logs.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "open-xiaoai.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "WARN") || strings.Contains(string(data), `"msg"`) {
		t.Fatalf("log=%s, want console formatted line", data)
	}
}

func TestComponentLevelOverrides(t *testing.T) {
	dir := t.TempDir()
	logs, err := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: dir, Name: "bridge.log"},
		Components: map[string]string{
			ComponentXiaoZhi: "debug",
			ComponentMusic:   "error",
			ComponentSpeaker: "",
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	logs.For(ComponentXiaoZhi).Debug("channel frame")
	logs.For(ComponentMusic).Warn("catalog slow")
	logs.For(ComponentSpeaker).Debug("speaker poll")
	logs.For(ComponentSpeaker).Info("speaker connected")
	logs.Root().Debug("root debug")
	_ = logs.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "bridge.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"logger":"xiaozhi"`, `"msg":"channel frame"`, `"msg":"speaker connected"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("log=%s, want %s", text, want)
		}
	}
	for _, unwanted := range []string{"catalog slow", "speaker poll", "root debug"} {
		if strings.Contains(text, unwanted) {
			t.Fatalf("log=%s, want %q filtered", text, unwanted)
		}
	}

	levels := logs.Levels()
	if len(levels) != 2 || levels[0] != "music=error" || levels[1] != "xiaozhi=debug" {
		t.Fatalf("Levels()=%v, want [music=error xiaozhi=debug]", levels)
	}
}

func TestWrapServesEveryComponent(t *testing.T) {
	logs := Wrap(nil)
	if logs.Root() == nil || logs.For(ComponentHTTP) == nil {
		t.Fatal("Wrap(nil) returned nil loggers")
	}
	if got := logs.Levels(); len(got) != 0 {
		t.Fatalf("Levels()=%v, want none", got)
	}
}
