// Package mirror maintains a local directory of per-document snapshot files
// that act as the editing surface: remote snapshots are written into the
// files, and file edits are detected with a filesystem watcher and reported
// back as local changes.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Options struct {
	Root string
	// DebounceWindow coalesces the burst of write events an editor save
	// produces into one change report.
	DebounceWindow time.Duration
	Logger         *zap.Logger
}

// Workspace owns the mirror root and its watcher. One File per open
// document, named <id>.json under the root.
type Workspace struct {
	root     string
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]*File
	done  chan struct{}
}

func Open(opts Options) (*Workspace, error) {
	root := filepath.Clean(opts.Root)
	if root == "" || root == "." {
		return nil, errors.New("mirror root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &Workspace{
		root:     root,
		debounce: debounce,
		logger:   logger,
		watcher:  watcher,
		files:    make(map[string]*File),
		done:     make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

// Document returns the mirror file for a document id, creating the tracking
// entry on first use. The file itself appears on the first applied snapshot.
func (w *Workspace) Document(id int64) *File {
	path := filepath.Join(w.root, fmt.Sprintf("%d.json", id))
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.files[path]; ok {
		return f
	}
	f := &File{
		path:     path,
		debounce: w.debounce,
		logger:   w.logger.With(zap.Int64("document_id", id)),
	}
	w.files[path] = f
	return f
}

// Forget stops tracking a document's mirror file. The file stays on disk.
func (w *Workspace) Forget(id int64) {
	path := filepath.Join(w.root, fmt.Sprintf("%d.json", id))
	w.mu.Lock()
	f := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if f != nil {
		f.stop()
	}
}

func (w *Workspace) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.mu.Lock()
	files := make([]*File, 0, len(w.files))
	for _, f := range w.files {
		files = append(files, f)
	}
	w.files = make(map[string]*File)
	w.mu.Unlock()
	for _, f := range files {
		f.stop()
	}
	return err
}

func (w *Workspace) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			f := w.files[filepath.Clean(event.Name)]
			w.mu.Unlock()
			if f != nil {
				f.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("mirror watcher error", zap.Error(err))
		}
	}
}

// File is the on-disk editing surface for one document.
type File struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastHash string
	onChange func()
	timer    *time.Timer
	stopped  bool
}

// SetOnChange installs the handler invoked for genuine user edits. Writes
// the mirror made itself never reach it.
func (f *File) SetOnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Apply writes a remote snapshot to disk. The content hash is remembered so
// the watcher can tell this write apart from a user edit, and an unchanged
// snapshot skips the write entirely.
func (f *File) Apply(content json.RawMessage) error {
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hash := hashBytes(content)
	if hash == f.lastHash {
		return nil
	}
	if err := writeFileAtomic(f.path, content, 0o644); err != nil {
		return err
	}
	f.lastHash = hash
	return nil
}

// Contents reads the full current snapshot back from disk.
func (f *File) Contents() (json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("mirror file %s does not hold valid JSON", f.path)
	}
	return data, nil
}

// schedule arms the debounce timer for a burst of filesystem events.
func (f *File) schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, f.flush)
}

// flush decides whether the settled file content is a user edit. A hash
// matching the last snapshot we wrote is our own write echoing back through
// the watcher; partial or invalid JSON means an editor save is still in
// flight and the next event will retry.
func (f *File) flush() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	if !json.Valid(data) {
		f.logger.Debug("ignoring mirror file in mid-save state")
		return
	}
	f.mu.Lock()
	if f.stopped || hashBytes(data) == f.lastHash {
		f.mu.Unlock()
		return
	}
	f.lastHash = hashBytes(data)
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *File) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
