package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolve_ContainsRelativePaths(t *testing.T) {
	root := t.TempDir()
	got, err := Resolve(root, "sub/dir/file.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(root, "sub", "dir", "file.txt") {
		t.Fatalf("resolved to %q", got)
	}
}

func TestResolve_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"sub/../../outside",
	} {
		_, err := Resolve(root, p)
		var pe *PathEscapeError
		if !errors.As(err, &pe) {
			t.Fatalf("path %q: err = %v, want PathEscapeError", p, err)
		}
	}
}

func TestResolve_RejectsForeignAbsolute(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	_, err := Resolve(root, filepath.Join(other, "file.txt"))
	var pe *PathEscapeError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PathEscapeError", err)
	}

	// An absolute path nested under the root is fine.
	if _, err := Resolve(root, filepath.Join(root, "ok.txt")); err != nil {
		t.Fatalf("nested absolute rejected: %v", err)
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	_, err := Resolve(root, "link/secret.txt")
	var pe *PathEscapeError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PathEscapeError", err)
	}
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	a, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if a != b {
		t.Fatalf("create not idempotent: %q vs %q", a, b)
	}
	if info, err := os.Stat(a); err != nil || !info.IsDir() {
		t.Fatalf("workspace root missing: %v", err)
	}
}

func TestManager_DestroyTolerant(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Create("task-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Destroy("task-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	// Absent workspace is not an error.
	if err := m.Destroy("task-1"); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestUpload_RejectsTraversingFilename(t *testing.T) {
	root := t.TempDir()
	err := Upload(root, "../evil.txt", []byte("x"))
	var pe *PathEscapeError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PathEscapeError", err)
	}

	if err := Upload(root, "notes/a.txt", []byte("hello")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "notes", "a.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("uploaded content = %q, %v", data, err)
	}
}

func TestList_TagsDirectories(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "sub"), 0755)
	os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0644)

	entries, err := List(root, ".")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if !byName["sub"].IsDir || byName["f.txt"].IsDir {
		t.Fatalf("entries mistagged: %+v", entries)
	}
}

func TestRootFromContext_Fallback(t *testing.T) {
	ctx := t.Context()
	if got := RootFromContext(ctx, "/fallback"); got != "/fallback" {
		t.Fatalf("fallback = %q", got)
	}
	ctx = ContextRoot(ctx, "/task/root")
	if got := RootFromContext(ctx, "/fallback"); got != "/task/root" {
		t.Fatalf("context root = %q", got)
	}
}
