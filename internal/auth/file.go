package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
)

// FileProvider reads the bearer token from a file maintained by the app's
// auth flow. An fsnotify watcher keeps the cached token current so
// CurrentToken never touches the disk on the hot path; Refresh re-reads the
// file directly for callers that need the newest value right now.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewFileProvider creates a provider for the given token file. The file may
// not exist yet; CurrentToken returns "" until it appears.
func NewFileProvider(path string, logger *slog.Logger) *FileProvider {
	p := &FileProvider{path: path, logger: logger}
	p.token = p.readFile()

	return p
}

// CurrentToken returns the cached token, or "" when none is available.
func (p *FileProvider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.token
}

// Refresh re-reads the token file. A missing or empty file yields
// ErrNoToken: there is nothing this process can do to mint a token, the
// external auth flow has to write one.
func (p *FileProvider) Refresh(context.Context) (string, error) {
	token := p.readFile()

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	if token == "" {
		return "", apperrors.ErrNoToken
	}

	return token, nil
}

// Watch monitors the token file's directory and refreshes the cached token
// whenever the file changes. Blocks until the context is cancelled.
// Watching the directory rather than the file survives the common
// write-to-temp-then-rename pattern used by the auth flow.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Name != p.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				p.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			p.logger.Warn("token file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (p *FileProvider) reload() {
	token := p.readFile()

	p.mu.Lock()
	changed := token != p.token
	p.token = token
	p.mu.Unlock()

	if changed {
		p.logger.Info("auth token file changed", slog.Bool("token_present", token != ""))
	}
}

func (p *FileProvider) readFile() string {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
