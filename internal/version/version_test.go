package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.26.0",
			Main:      debug.Module{Version: "v0.3.0"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	t.Cleanup(func() { readBuildInfo = debug.ReadBuildInfo })

	info := Resolve()
	if info.Version != "v0.3.0" || info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.Modified || info.GoVersion != "go1.26.0" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got, want := String(), "v0.3.0 (0123456789ab+dirty)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	Version, Commit = "v1.0.0", "feed"
	t.Cleanup(func() { Version, Commit = "", "" })
	if got := String(); got != "v1.0.0 (feed+dirty)" {
		t.Fatalf("ldflags values should win, got %q", got)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	t.Cleanup(func() { readBuildInfo = debug.ReadBuildInfo })

	info := Resolve()
	if info.Version == "" || info.Commit != "" {
		t.Fatalf("unexpected info %+v", info)
	}
}
