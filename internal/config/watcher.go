package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes on disk. fsnotify events
// are debounced; a content-hash poll runs alongside because mounted
// ConfigMap volumes swap a "..data" symlink without emitting inotify events.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	once   sync.Once
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewWatcher returns a Watcher for path. Nothing happens until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileState fingerprints a set of files plus the "..data" symlink of their
// directory.
type fileState struct {
	link   string
	files  []string
	target string
	hashes []string
}

func newFileState(files ...string) *fileState {
	fs := &fileState{
		link:  filepath.Join(filepath.Dir(files[0]), "..data"),
		files: files,
	}
	fs.capture()
	return fs
}

func (fs *fileState) capture() {
	fs.target = readlink(fs.link)
	fs.hashes = fs.hashes[:0]
	for _, f := range fs.files {
		fs.hashes = append(fs.hashes, hashFile(f))
	}
}

// changed compares the current fingerprint with the last capture and
// re-captures when a difference is found.
func (fs *fileState) changed() bool {
	if t := readlink(fs.link); t != "" && t != fs.target {
		fs.capture()
		return true
	}
	for i, f := range fs.files {
		if hashFile(f) != fs.hashes[i] {
			fs.capture()
			return true
		}
	}
	return false
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	state := newFileState(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var settle *time.Timer
	var settled <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic save-and-rename drops the old inode from the watch list.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.NewTimer(w.debounce)
			settled = settle.C

		case <-settled:
			settled = nil
			w.reload()
			state.capture()

		case <-poll.C:
			if state.changed() {
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop ends the watch loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertWatcher polls a TLS certificate and key pair and calls onChange when
// either file, or the directory's "..data" symlink, changes.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onChange     func(certFile, keyFile string)
	logger       *slog.Logger
	pollInterval time.Duration

	once   sync.Once
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewCertWatcher returns a CertWatcher. Nothing happens until Start.
func NewCertWatcher(certFile, keyFile string, onChange func(certFile, keyFile string), logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onChange:     onChange,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start polls until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	state := newFileState(cw.certFile, cw.keyFile)
	t := time.NewTicker(cw.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-t.C:
			if state.changed() {
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.onChange(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop ends the poll loop. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.once.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// hashFile returns the SHA-256 digest of path's content, or "" when it
// cannot be read. Symlinks are followed.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
