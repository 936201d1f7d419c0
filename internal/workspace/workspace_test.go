package workspace

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"LogsDir", ws.LogsDir, "logs"},
		{"DataDir", ws.DataDir, "data"},
		{"TmpDir", ws.TmpDir, "tmp"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			if expected := filepath.Join(ws.Root, tc.want); got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestRestrictedDirPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{ws.LogsDir(), ws.TmpDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permissions = %o, want 0700", dir, perm)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct{ got, want string }{
		{ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml")},
		{ws.AuditPath(), filepath.Join(ws.Root, "logs", "audit.jsonl")},
		{ws.DBPath(), filepath.Join(ws.Root, "data", "gitguard.db")},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestCleanTmp(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tmp := ws.TmpDir()
	os.MkdirAll(filepath.Join(tmp, "home-1"), 0700)
	os.MkdirAll(filepath.Join(tmp, "home-2"), 0700)
	os.WriteFile(filepath.Join(tmp, "home-1", ".gitconfig"), []byte("[user]"), 0600)

	if err := ws.CleanTmp(); err != nil {
		t.Fatalf("CleanTmp: %v", err)
	}

	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("tmp dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanTmpNoop(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.CleanTmp(); err != nil {
		t.Fatalf("CleanTmp on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"logs", "data", "tmp"} {
		if _, err := os.Stat(filepath.Join(ws.Root, sub)); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "test"); got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
