package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/tree"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "spindle", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	writeConfig(t, "temperature: 0.7\nsteps: 12\ndraft_length: 3\nserver_address: 0.0.0.0:9000\n")
	cfg := LoadConfig()
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 {
		t.Fatalf("temperature: %+v", cfg.Temperature)
	}
	if cfg.Steps == nil || *cfg.Steps != 12 || cfg.DraftLength == nil || *cfg.DraftLength != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("server address %q", cfg.ServerAddress)
	}
	if cfg.TopK != nil {
		t.Fatalf("unset field should stay nil")
	}
}

func TestLoadConfigMissingOrInvalid(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if cfg := LoadConfig(); cfg.Temperature != nil || cfg.ServerAddress != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
	writeConfig(t, "temperature: [not, a, number]\n")
	if cfg := LoadConfig(); cfg.Temperature != nil {
		t.Fatalf("expected zero config for invalid yaml, got %+v", cfg)
	}
}

func TestApplyRunConfigKeepsExplicitFlags(t *testing.T) {
	writeConfig(t, "temperature: 0.7\nsteps: 12\ntree_width: 16\ncache_length: 64\n")
	var s samplingOptions
	cmd := &cli.Command{
		Name:  "run",
		Flags: slices.Concat(commonModelFlags(), samplingFlags(&s), medusaFlags(&s)),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, LoadConfig(), &s)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"run", "--temp", "0.2"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.temp != 0.2 {
		t.Fatalf("explicit --temp overridden: %v", s.temp)
	}
	if s.steps != 12 || s.treeWidth != 16 || cacheLength != 64 {
		t.Fatalf("config defaults not applied: steps=%d tree=%d cache=%d", s.steps, s.treeWidth, cacheLength)
	}
}

func TestPrintTree(t *testing.T) {
	t.Parallel()
	spec, err := tree.Preset(8)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	var buf bytes.Buffer
	printTree(&buf, spec)
	out := buf.String()
	if !strings.HasPrefix(out, "width 8, 2 heads") {
		t.Fatalf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "  [1 4]\n") {
		t.Fatalf("missing path [1 4]:\n%s", out)
	}
	// The root row attends only to itself.
	if !strings.Contains(out, "attention:\n  1.......\n") {
		t.Fatalf("unexpected attention rows:\n%s", out)
	}
}
