package resources

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// MaxFileSize bounds a single file read by FileFetcher
const MaxFileSize = 10 << 20

// FileURI returns the file:// URI of an absolute path
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// FileFetcher serves file:// URIs below a root directory
type FileFetcher struct {
	root string
}

// NewFileFetcher creates a fetcher confined to root
func NewFileFetcher(root string) (*FileFetcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, mcperrors.InvalidParameter("root", root, "a directory")
	}
	return &FileFetcher{root: abs}, nil
}

// Root returns the absolute root directory
func (f *FileFetcher) Root() string { return f.root }

// Path maps a file:// URI to a path, refusing anything outside the root
func (f *FileFetcher) Path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", mcperrors.InvalidParameter("uri", uri, "a file:// URI")
	}
	path := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", mcperrors.ResourceNotFound("resource", uri)
	}
	return path, nil
}

// Fetch reads a file. Valid UTF-8 is returned as text, anything else as a
// base64 blob. The signature matches FetchFunc.
func (f *FileFetcher) Fetch(_ context.Context, _ string, uri string) (*protocol.ReadResourceResult, error) {
	path, err := f.Path(uri)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, mcperrors.ResourceNotFound("resource", uri)
	}
	if err != nil {
		return nil, mcperrors.ResourceUnavailable("resource", uri, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		return nil, mcperrors.ResourceUnavailable("resource", uri, err)
	}
	if len(data) > MaxFileSize {
		return nil, mcperrors.ResourceUnavailable("resource", uri, errors.New("file too large"))
	}

	contents := protocol.ResourceContents{URI: uri, MimeType: mimeType(path)}
	if utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{contents}}, nil
}

// List returns a resource descriptor for every regular file under the root
func (f *FileFetcher) List() ([]protocol.Resource, error) {
	var out []protocol.Resource
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != f.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(f.root, path)
		out = append(out, protocol.Resource{
			URI:      FileURI(path),
			Name:     filepath.ToSlash(rel),
			MimeType: mimeType(path),
			Size:     info.Size(),
		})
		return nil
	})
	return out, err
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "text/plain"
}

// DefaultDebounce collapses bursts of file events into one update
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher calls Manager.NotifyUpdate when a watched file changes. The
// parent directory is watched so that editors replacing the file by rename
// are noticed too.
type FileWatcher struct {
	manager  *Manager
	server   string
	fetcher  *FileFetcher
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   logging.Logger
	onChange func(uri string)

	mu     sync.Mutex
	files  map[string]string // path, uri
	dirs   map[string]int
	timers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounce sets how long to wait for more events before updating
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithChangeHook runs fn with the URI after each successful update
func WithChangeHook(fn func(uri string)) WatcherOption {
	return func(w *FileWatcher) { w.onChange = fn }
}

// WithWatcherLogger sets the logger
func WithWatcherLogger(l logging.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logging.ForComponent(l, "FileWatcher") }
}

// NewFileWatcher starts watching. Files are added with Watch.
func NewFileWatcher(manager *Manager, server string, fetcher *FileFetcher, opts ...WatcherOption) (*FileWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, mcperrors.InternalError("create file watcher", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &FileWatcher{
		manager:  manager,
		server:   server,
		fetcher:  fetcher,
		watcher:  fw,
		debounce: DefaultDebounce,
		logger:   logging.ForComponent(nil, "FileWatcher"),
		files:    make(map[string]string),
		dirs:     make(map[string]int),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

// Watch starts reporting changes of the file behind uri
func (w *FileWatcher) Watch(uri string) error {
	path, err := w.fetcher.Path(uri)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return mcperrors.ResourceUnavailable("resource", uri, err)
		}
	}
	w.dirs[dir]++
	w.files[path] = uri
	return nil
}

// Unwatch stops reporting changes of uri
func (w *FileWatcher) Unwatch(uri string) {
	path, err := w.fetcher.Path(uri)
	if err != nil {
		return
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	if w.dirs[dir]--; w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

func (w *FileWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				w.schedule(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", logging.ErrorField(err))
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	uri, ok := w.files[path]
	if !ok {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.fire(uri)
	})
}

func (w *FileWatcher) fire(uri string) {
	if w.ctx.Err() != nil {
		return
	}
	if err := w.manager.NotifyUpdate(w.ctx, w.server, uri, nil); err != nil {
		w.logger.Warn("file update could not be read", logging.String("uri", uri), logging.ErrorField(err))
		return
	}
	w.logger.Debug("file resource updated", logging.String("uri", uri))
	if w.onChange != nil {
		w.onChange(uri)
	}
}

// Close stops watching
func (w *FileWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return err
}
