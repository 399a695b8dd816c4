package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.HTTPAddr != ":4399" {
		t.Fatalf("HTTPAddr=%q, want :4399", cfg.HTTPAddr)
	}
	if cfg.XiaoZhi.HandshakeTimeout != 10*time.Second {
		t.Fatalf("HandshakeTimeout=%s, want 10s", cfg.XiaoZhi.HandshakeTimeout)
	}
	if cfg.XiaoZhi.SampleRate != 16000 || cfg.XiaoZhi.FrameDuration != 60 || cfg.XiaoZhi.AudioFormat != "opus" {
		t.Fatalf("audio=%+v, want opus/16000/60", cfg.XiaoZhi)
	}
	if cfg.Playback.PollInterval != time.Second || cfg.Playback.SettleDelay != 500*time.Millisecond {
		t.Fatalf("playback=%+v, want 1s poll and 500ms settle", cfg.Playback)
	}
	if cfg.Playback.FinishWaitTimeout != 10*time.Minute {
		t.Fatalf("FinishWaitTimeout=%s, want 10m", cfg.Playback.FinishWaitTimeout)
	}
	if cfg.Assistant.IdleTimeout != 20*time.Second || len(cfg.Assistant.Keywords) == 0 {
		t.Fatalf("assistant=%+v, want 20s idle timeout and keywords", cfg.Assistant)
	}
	if cfg.RootDir != filepath.Dir(path) {
		t.Fatalf("RootDir=%q, want %q", cfg.RootDir, filepath.Dir(path))
	}
	if cfg.Log.File.Path != filepath.Join(cfg.RootDir, "data", "logs") {
		t.Fatalf("log path=%q, want under root dir", cfg.Log.File.Path)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
http_addr: "127.0.0.1:9000"
xiaozhi:
  websocket_url: "ws://localhost:8000/xiaozhi/v1/"
  device_id: "aa:bb:cc:dd:ee:ff"
  client_id: "client-1"
  handshake_timeout: 3s
playback:
  finish_wait_timeout: 0s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("HTTPAddr=%q, want 127.0.0.1:9000", cfg.HTTPAddr)
	}
	if cfg.XiaoZhi.WebsocketURL != "ws://localhost:8000/xiaozhi/v1/" {
		t.Fatalf("WebsocketURL=%q, want local url", cfg.XiaoZhi.WebsocketURL)
	}
	if cfg.XiaoZhi.DeviceID != "aa:bb:cc:dd:ee:ff" || cfg.XiaoZhi.ClientID != "client-1" {
		t.Fatalf("identity=%q/%q, want configured values", cfg.XiaoZhi.DeviceID, cfg.XiaoZhi.ClientID)
	}
	if cfg.XiaoZhi.HandshakeTimeout != 3*time.Second {
		t.Fatalf("HandshakeTimeout=%s, want 3s", cfg.XiaoZhi.HandshakeTimeout)
	}
	if cfg.Playback.FinishWaitTimeout != 0 {
		t.Fatalf("FinishWaitTimeout=%s, want 0", cfg.Playback.FinishWaitTimeout)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "xiaozhi:\n  access_token: from-file\n")
	t.Setenv("OPEN_XIAOAI_XIAOZHI_ACCESS_TOKEN", "from-env")
	t.Setenv("OPEN_XIAOAI_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.XiaoZhi.AccessToken != "from-env" {
		t.Fatalf("AccessToken=%q, want from-env", cfg.XiaoZhi.AccessToken)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level=%q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfigGeneratesIdentity(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if !macPattern.MatchString(cfg.XiaoZhi.DeviceID) {
		t.Fatalf("DeviceID=%q, want mac-like id", cfg.XiaoZhi.DeviceID)
	}
	if _, err := uuid.Parse(cfg.XiaoZhi.ClientID); err != nil {
		t.Fatalf("ClientID=%q, want uuid: %v", cfg.XiaoZhi.ClientID, err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig error=nil for missing file, want non-nil")
	}
}

func TestLoadFindsConfInParentDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "conf.yaml"), []byte("http_addr: \":5000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevWD) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HTTPAddr != ":5000" {
		t.Fatalf("HTTPAddr=%q, want :5000", cfg.HTTPAddr)
	}
	wantRoot, _ := filepath.EvalSymlinks(root)
	gotRoot, _ := filepath.EvalSymlinks(cfg.RootDir)
	if gotRoot != wantRoot {
		t.Fatalf("RootDir=%q, want %q", cfg.RootDir, root)
	}
}

func TestDumpMasksToken(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "xiaozhi:\n  access_token: secret-token\n"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	data, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump error: %v", err)
	}
	if strings.Contains(string(data), "secret-token") {
		t.Fatalf("dump leaked token:\n%s", data)
	}
	if cfg.XiaoZhi.AccessToken != "secret-token" {
		t.Fatal("Dump modified the caller's config")
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("dump is not yaml: %v", err)
	}
	xz, _ := decoded["xiaozhi"].(map[string]any)
	if xz["handshake_timeout"] != "10s" {
		t.Fatalf("handshake_timeout=%v, want 10s", xz["handshake_timeout"])
	}
}

func TestMacFromUUID(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	got := macFromUUID(id)
	if !macPattern.MatchString(got) {
		t.Fatalf("macFromUUID=%q, want mac-like id", got)
	}
	if got != macFromUUID(id) {
		t.Fatal("macFromUUID not deterministic")
	}
}
