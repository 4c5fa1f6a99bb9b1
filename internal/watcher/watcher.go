// Package watcher turns files dropped into an inbox directory into uploads.
// The inbox holds one sub-directory per owner: <inbox>/<owner>/<file>.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/documents"
	"github.com/hyperjump/intellidoc/internal/models"
)

const defaultDebounce = 400 * time.Millisecond

// Uploader accepts files picked up from the inbox.
type Uploader interface {
	Upload(ctx context.Context, req documents.UploadRequest) (*models.Document, error)
}

// Inbox watches an inbox directory and uploads settled files for their owner.
type Inbox struct {
	root        string
	extensions  []string
	uploader    Uploader
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	inflight    sync.WaitGroup
	ctx         context.Context
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Inbox) { w.logger = l }
}

// WithDebounce sets how long a file must stay unchanged before it is uploaded.
func WithDebounce(d time.Duration) Option {
	return func(w *Inbox) { w.debounce = d }
}

// NewInbox creates an inbox watcher over root. extensions filters which files are
// picked up (empty = all).
func NewInbox(root string, extensions []string, uploader Uploader, opts ...Option) *Inbox {
	w := &Inbox{
		root:        filepath.Clean(root),
		extensions:  extensions,
		uploader:    uploader,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the inbox if needed, watches it and every owner directory, and
// queues files already present. It runs until ctx is cancelled or Stop is called.
func (w *Inbox) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.ctx = ctx
	w.started = true
	w.mu.Unlock()

	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.Stop()
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			w.addOwnerDir(filepath.Join(w.root, e.Name()))
		}
	}
	w.logger.Debug("inbox watching", zap.String("path", w.root), zap.Strings("extensions", w.extensions))
	go w.run(ctx)
	return nil
}

func (w *Inbox) run(ctx context.Context) {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("inbox watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Inbox) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.logger.Debug("inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if filepath.Dir(path) == w.root && !hidden(info.Name()) {
				w.addOwnerDir(path)
			}
			return
		}
		if _, ok := w.ownerOf(path); ok && w.matchExtension(path) {
			w.debounceUpload(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

// addOwnerDir watches an owner directory and queues the files already in it.
func (w *Inbox) addOwnerDir(dir string) {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		w.logger.Warn("inbox failed to watch owner directory", zap.String("path", dir), zap.Error(err))
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matchExtension(path) && !hidden(d.Name()) {
			w.debounceUpload(path)
		}
		return nil
	})
}

// ownerOf returns the owner for a file directly inside an owner directory.
func (w *Inbox) ownerOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 || parts[0] == ".." || hidden(parts[0]) || hidden(parts[1]) {
		return "", false
	}
	return parts[0], true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

func (w *Inbox) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		eNorm := strings.TrimPrefix(strings.ToLower(e), ".")
		extNorm := strings.TrimPrefix(strings.ToLower(ext), ".")
		if eNorm == extNorm {
			return true
		}
	}
	return false
}

func (w *Inbox) debounceUpload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		if !w.started {
			w.mu.Unlock()
			return
		}
		w.inflight.Add(1)
		ctx := w.ctx
		w.mu.Unlock()
		defer w.inflight.Done()
		w.upload(ctx, path)
	})
}

func (w *Inbox) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// upload hands the file to the uploader and removes it from the inbox on success.
// Failed files stay in place and are retried on the next start.
func (w *Inbox) upload(ctx context.Context, path string) {
	owner, ok := w.ownerOf(path)
	if !ok {
		return
	}
	log := w.logger.With(zap.String("path", path), zap.String("owner_id", owner))
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("inbox open failed", zap.Error(err))
		}
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		log.Warn("inbox stat failed", zap.Error(err))
		return
	}
	doc, err := w.uploader.Upload(ctx, documents.UploadRequest{
		OwnerID:  owner,
		Filename: filepath.Base(path),
		Body:     f,
		Size:     info.Size(),
	})
	_ = f.Close()
	if err != nil {
		log.Warn("inbox upload failed", zap.Error(err))
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("inbox cleanup failed", zap.Error(err))
	}
	log.Info("inbox file uploaded", zap.String("document_id", doc.ID))
}

// Root returns the watched inbox directory.
func (w *Inbox) Root() string {
	return w.root
}

// Stop stops watching, drops pending uploads and waits for running ones.
func (w *Inbox) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
