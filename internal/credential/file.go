package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// FileSource reads the token from a file and notifies subscribers when
// the file's content changes. Editors and secret managers commonly
// replace files by rename, so the parent directory is watched rather
// than the file itself.
type FileSource struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	token string

	subsMu  sync.Mutex
	subs    map[int]func(string)
	nextSub int
}

// NewFileSource reads path once and returns a source for it.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	f := &FileSource{
		path:   filepath.Clean(path),
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]func(string)),
	}

	token, err := f.read()
	if err != nil {
		return nil, err
	}

	f.token = token

	return f, nil
}

// Token returns the last token read from the file.
func (f *FileSource) Token() (string, error) {
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()

	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.path)
	}

	if err := CheckExpiry(token, f.now()); err != nil {
		return "", err
	}

	return token, nil
}

// Subscribe registers fn to receive each new token. fn runs on the
// watcher goroutine.
func (f *FileSource) Subscribe(fn func(token string)) func() {
	f.subsMu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.subsMu.Unlock()

	return func() {
		f.subsMu.Lock()
		delete(f.subs, id)
		f.subsMu.Unlock()
	}
}

// Watch monitors the token file until ctx is cancelled.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != f.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				f.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *FileSource) reload() {
	token, err := f.read()
	if err != nil {
		f.logger.Warn("reading token file", slog.String("path", f.path), slog.String("error", err.Error()))
		return
	}

	// Truncate-then-write shows up as an empty read first.
	if token == "" {
		return
	}

	f.mu.Lock()
	if token == f.token {
		f.mu.Unlock()
		return
	}

	f.token = token
	f.mu.Unlock()

	f.logger.Info("credential changed", slog.String("path", f.path))

	f.subsMu.Lock()
	fns := make([]func(string), 0, len(f.subs))

	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.subsMu.Unlock()

	for _, fn := range fns {
		fn(token)
	}
}

func (f *FileSource) read() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}
