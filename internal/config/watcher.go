package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

const (
	catalogDebounce     = 100 * time.Millisecond
	catalogPollInterval = 5 * time.Second
)

// CatalogWatcher reloads the tier catalog file when it changes and hands
// every valid new catalog to onChange. Invalid edits are logged and ignored,
// leaving the previous catalog in effect.
type CatalogWatcher struct {
	path     string
	onChange func(*pkgentitlements.Catalog)

	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	mu          sync.Mutex
	lastHash    string
	lastModTime time.Time
}

// NewCatalogWatcher creates a watcher for path.
func NewCatalogWatcher(path string, onChange func(*pkgentitlements.Catalog)) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &CatalogWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if data, err := os.ReadFile(cw.path); err == nil {
		cw.lastHash = hashBytes(data)
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching the catalog file's directory, falling back to
// polling when the directory cannot be watched.
func (cw *CatalogWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch catalog directory, falling back to polling")
		go cw.pollForChanges()
		return nil
	}

	go cw.handleEvents(cw.watcher.Events, cw.watcher.Errors)
	log.Info().Str("catalog_file", cw.path).Msg("Started watching tier catalog for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (cw *CatalogWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		_ = cw.watcher.Close()
	})
}

// Reload re-reads the catalog file now, e.g. on SIGHUP.
func (cw *CatalogWatcher) Reload() {
	cw.reload(true)
}

func (cw *CatalogWatcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Editors write in several steps; wait for the last one.
				time.Sleep(catalogDebounce)
				log.Info().Str("event", event.Op.String()).Msg("Detected tier catalog change")
				cw.reload(false)
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) pollForChanges() {
	ticker := time.NewTicker(catalogPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.path)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			if changed {
				cw.lastModTime = stat.ModTime()
			}
			cw.mu.Unlock()
			if changed {
				log.Info().Msg("Detected tier catalog change via polling")
				cw.reload(false)
			}
		case <-cw.stopChan:
			return
		}
	}
}

func (cw *CatalogWatcher) reload(force bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	data, err := os.ReadFile(cw.path)
	if err != nil {
		log.Error().Err(err).Str("catalog_file", cw.path).Msg("Failed to read tier catalog")
		return
	}
	hash := hashBytes(data)
	if !force && hash == cw.lastHash {
		log.Debug().Msg("Tier catalog content unchanged, skipping reload")
		return
	}

	catalog, err := ParseCatalog(data)
	if err != nil {
		log.Error().Err(err).Str("catalog_file", cw.path).Msg("Rejected tier catalog change, keeping previous catalog")
		return
	}
	cw.lastHash = hash
	if cw.onChange != nil {
		cw.onChange(catalog)
	}
	log.Info().Str("catalog_file", cw.path).Msg("Applied tier catalog change")
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
