package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/intellidoc/internal/documents"
	"github.com/hyperjump/intellidoc/internal/models"
)

type upload struct {
	owner, filename, body string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, req documents.UploadRequest) (*models.Document, error) {
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, upload{req.OwnerID, req.Filename, string(body)})
	return &models.Document{ID: "doc-" + req.Filename, OwnerID: req.OwnerID}, nil
}

func (f *fakeUploader) snapshot() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]upload(nil), f.uploads...)
	sort.Slice(out, func(i, j int) bool { return out[i].filename < out[j].filename })
	return out
}

func startInbox(t *testing.T, root string, up Uploader) *Inbox {
	t.Helper()
	w := NewInbox(root, []string{".txt", ".md"}, up, WithDebounce(20*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestInbox_UploadsExistingFilesAndRemovesThem(t *testing.T) {
	root := t.TempDir()
	alice := filepath.Join(root, "alice")
	mustWrite(t, filepath.Join(alice, "a.txt"), "hello")
	mustWrite(t, filepath.Join(alice, "skip.xyz"), "x")
	mustWrite(t, filepath.Join(root, "no-owner.txt"), "x")
	mustWrite(t, filepath.Join(alice, ".hidden.txt"), "x")

	up := &fakeUploader{}
	startInbox(t, root, up)

	eventually(t, func() bool { return len(up.snapshot()) == 1 })
	got := up.snapshot()[0]
	if got.owner != "alice" || got.filename != "a.txt" || got.body != "hello" {
		t.Errorf("upload = %+v", got)
	}
	eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(alice, "a.txt"))
		return os.IsNotExist(err)
	})
	for _, keep := range []string{filepath.Join(alice, "skip.xyz"), filepath.Join(root, "no-owner.txt"), filepath.Join(alice, ".hidden.txt")} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s should be left alone: %v", keep, err)
		}
	}
}

func TestInbox_NewOwnerDirectoryAndFiles(t *testing.T) {
	root := t.TempDir()
	up := &fakeUploader{}
	startInbox(t, root, up)

	bob := filepath.Join(root, "bob")
	if err := os.MkdirAll(bob, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new owner directory.
	time.Sleep(50 * time.Millisecond)
	mustWrite(t, filepath.Join(bob, "one.md"), "first")
	mustWrite(t, filepath.Join(bob, "two.txt"), "second")

	eventually(t, func() bool { return len(up.snapshot()) == 2 })
	got := up.snapshot()
	if got[0].owner != "bob" || got[0].filename != "one.md" || got[1].filename != "two.txt" {
		t.Errorf("uploads = %+v", got)
	}
}

func TestInbox_FailedUploadKeepsFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "alice", "a.txt")
	mustWrite(t, path, "hello")
	up := &fakeUploader{err: errors.New("plan limit exceeded")}
	w := startInbox(t, root, up)

	time.Sleep(100 * time.Millisecond)
	w.Stop()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file removed after failed upload: %v", err)
	}
}

func TestInbox_OwnerOf(t *testing.T) {
	w := NewInbox("/inbox", nil, &fakeUploader{})
	tests := []struct {
		path  string
		owner string
		ok    bool
	}{
		{"/inbox/alice/a.txt", "alice", true},
		{"/inbox/a.txt", "", false},
		{"/inbox/alice/sub/a.txt", "", false},
		{"/inbox/.tmp/a.txt", "", false},
		{"/inbox/alice/a.txt~", "", false},
		{"/elsewhere/alice/a.txt", "", false},
	}
	for _, tt := range tests {
		owner, ok := w.ownerOf(tt.path)
		if owner != tt.owner || ok != tt.ok {
			t.Errorf("ownerOf(%q) = %q, %v", tt.path, owner, ok)
		}
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{".txt"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		got := matchExtension(tt.path, tt.extensions)
		if got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}
