package services

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher reloads the catalog whenever the refresh job rewrites
// files in the data directory. Writes are debounced so a multi-file
// sync triggers a single reload.
type CatalogWatcher struct {
	catalog  *CatalogService
	dataDir  string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewCatalogWatcher creates a watcher over the snapshot data directory.
func NewCatalogWatcher(catalog *CatalogService, dataDir string) (*CatalogWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CatalogWatcher{
		catalog:  catalog,
		dataDir:  dataDir,
		debounce: 2 * time.Second,
		watcher:  w,
	}, nil
}

// Start begins watching until the context is cancelled.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dataDir); err != nil {
		return err
	}
	// Stock files live in a subdirectory; missing is fine before the
	// first sync.
	if err := w.watcher.Add(filepath.Join(w.dataDir, "stock")); err != nil {
		log.Printf("warning: stock directory not watched: %v", err)
	}

	go w.loop(ctx)
	return nil
}

func (w *CatalogWatcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isSnapshotFile(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			snapshot, err := LoadSnapshotFromDir(w.dataDir)
			if err != nil {
				log.Printf("catalog reload failed, keeping previous snapshot: %v", err)
				continue
			}
			w.catalog.Reload(snapshot)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("catalog watcher error: %v", err)
		}
	}
}

func isSnapshotFile(path string) bool {
	switch filepath.Ext(path) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}
