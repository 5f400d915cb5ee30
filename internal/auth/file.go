package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReadIdentityFile reads a session file holding {"user_id", "token"}.
// A missing or empty file means signed out and yields ErrUnauthenticated.
func ReadIdentityFile(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(data) == 0 {
		return Identity{}, ErrUnauthenticated
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if !id.Valid() {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// WriteIdentityFile writes id to path atomically (temp file + rename).
func WriteIdentityFile(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// RemoveIdentityFile signs out by deleting the session file.
// Removing a missing file is not an error.
func RemoveIdentityFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// FileProvider is a Provider backed by a session file. Once started it
// watches the file with fsnotify and publishes every identity transition on
// Changes: a zero Identity means signed out.
type FileProvider struct {
	path    string
	watcher *fsnotify.Watcher
	unwatch func() error // closes watcher
	changes chan Identity
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	current Identity
}

// NewFileProvider creates a provider for the session file at path.
// Start must be called before Changes emits anything.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path:    filepath.Clean(path),
		changes: make(chan Identity, 16),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
}

// Path returns the session file path.
func (p *FileProvider) Path() string {
	return p.path
}

// Identity implements Provider by reading the session file.
func (p *FileProvider) Identity(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	return ReadIdentityFile(p.path)
}

// Start begins watching the session file. The parent directory is watched so
// the file may be created, replaced or removed at any time. The identity at
// start is published first.
func (p *FileProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("provider already running")
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}
	p.watcher = watcher
	p.unwatch = watcher.Close

	id, err := ReadIdentityFile(p.path)
	if err != nil && !errors.Is(err, ErrUnauthenticated) {
		p.errors <- err
	}
	p.current = id
	p.changes <- id

	p.running = true
	p.wg.Add(1)
	go p.processEvents()

	return nil
}

// Stop stops watching and closes the Changes and Errors channels. The
// channels are closed even when the watcher fails to close; that error is
// returned afterwards.
func (p *FileProvider) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)

	var closeErr error
	if err := p.unwatch(); err != nil {
		closeErr = fmt.Errorf("failed to close watcher: %w", err)
	}

	p.wg.Wait()

	close(p.changes)
	close(p.errors)

	return closeErr
}

// Changes returns the channel of identity transitions.
func (p *FileProvider) Changes() <-chan Identity {
	return p.changes
}

// Errors returns the channel of watch and parse errors.
func (p *FileProvider) Errors() <-chan error {
	return p.errors
}

// IsRunning returns true if the provider is watching.
func (p *FileProvider) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// processEvents re-reads the session file on every event that touches it.
func (p *FileProvider) processEvents() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.report(err)
		}
	}
}

// reload publishes the file's identity if it differs from the last one.
// An unreadable file keeps the current identity.
func (p *FileProvider) reload() {
	id, err := ReadIdentityFile(p.path)
	if err != nil && !errors.Is(err, ErrUnauthenticated) {
		p.report(err)
		return
	}

	p.mu.Lock()
	if id == p.current {
		p.mu.Unlock()
		return
	}
	p.current = id
	p.mu.Unlock()

	select {
	case p.changes <- id:
	case <-p.done:
	}
}

func (p *FileProvider) report(err error) {
	select {
	case p.errors <- err:
	case <-p.done:
	default:
	}
}
