// Package configrepo resolves configuration bundles from a local file tree.
//
// The tree is laid out as <root>/<environment>/<component>/<pool>/<version>/...
// with a shared <root>/defaults/... tree supplying any path the versioned
// tree does not define.
package configrepo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/flotilla/internal/models"
)

// ErrNotFound is returned when no versioned tree exists for a config spec.
var ErrNotFound = errors.New("configuration not found")

const (
	defaultsDir = "defaults"
	// ResourcesFile declares the resources a slot using the bundle consumes.
	ResourcesFile = "resources.yaml"
)

// Repository resolves config specs against a directory tree. Resolved
// bundles are cached until the tree changes.
type Repository struct {
	root    string
	blobURI string
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string][]models.ConfigFile

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Repository rooted at root. File URIs are built under blobURI.
func New(root, blobURI string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if blobURI != "" && !strings.HasSuffix(blobURI, "/") {
		blobURI += "/"
	}
	return &Repository{
		root:    root,
		blobURI: blobURI,
		logger:  logger,
		cache:   make(map[string][]models.ConfigFile),
	}
}

// Resolve returns the bundle for spec in environment, ordered by path.
func (r *Repository) Resolve(environment string, spec models.ConfigSpec) ([]models.ConfigFile, error) {
	pool := spec.Pool
	if pool == "" {
		pool = models.DefaultPool
	}
	base := path.Join(environment, spec.Component, pool, spec.Version)

	r.mu.RLock()
	files, ok := r.cache[base]
	r.mu.RUnlock()
	if ok {
		return files, nil
	}

	dir := filepath.Join(r.root, filepath.FromSlash(base))
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, spec, environment)
	}

	paths, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	defaults, err := listFiles(filepath.Join(r.root, defaultsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list defaults: %w", err)
	}

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		seen[p] = true
	}
	for _, p := range defaults {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	files = make([]models.ConfigFile, 0, len(paths))
	for _, p := range paths {
		files = append(files, models.ConfigFile{Path: p, URI: r.blobURI + base + "/" + p})
	}

	r.mu.Lock()
	r.cache[base] = files
	r.mu.Unlock()
	return files, nil
}

// Open returns the contents of one file of a bundle, falling back to the
// defaults tree.
func (r *Repository) Open(environment string, spec models.ConfigSpec, relPath string) ([]byte, error) {
	clean := path.Clean("/" + relPath)[1:]
	if clean == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	pool := spec.Pool
	if pool == "" {
		pool = models.DefaultPool
	}
	candidates := []string{
		filepath.Join(r.root, environment, spec.Component, pool, spec.Version, filepath.FromSlash(clean)),
		filepath.Join(r.root, defaultsDir, filepath.FromSlash(clean)),
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, spec, clean)
}

// Resources returns the resources declared in the bundle's resources.yaml.
// A bundle without one needs no resources.
func (r *Repository) Resources(environment string, spec models.ConfigSpec) (map[string]int, error) {
	data, err := r.Open(environment, spec, ResourcesFile)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resources map[string]int
	if err := yaml.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("parse %s for %s: %w", ResourcesFile, spec, err)
	}
	return resources, nil
}

// Refresh drops all cached bundles.
func (r *Repository) Refresh() {
	r.mu.Lock()
	r.cache = make(map[string][]models.ConfigFile)
	r.mu.Unlock()
}

// Watch starts refreshing the cache whenever the tree changes. Close stops it.
func (r *Repository) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := addTree(watcher, r.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.root, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.watchLoop()

	r.logger.Info("watching config repository", zap.String("root", r.root))
	return nil
}

// Close stops the watcher, if running.
func (r *Repository) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.wg.Wait()
	r.watcher = nil
	return err
}

func (r *Repository) watchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(r.watcher, event.Name); err != nil {
						r.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			r.logger.Debug("config repository changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			r.Refresh()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config repository watcher error", zap.Error(err))
		}
	}
}

// addTree watches dir and every directory below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

// listFiles returns the slash-separated paths of all regular files under dir.
func listFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	return paths, err
}
