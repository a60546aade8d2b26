package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatcherStatus is reported by the health endpoint.
type WatcherStatus struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
	FilesFailed    int64  `json:"files_failed"`
}

const watchDebounce = 500 * time.Millisecond

// FileWatcher monitors a directory for transcript JSON files exported by
// voice platforms and ingests them via the Pipeline. It is an alternative
// to MQTT for deployments that batch-export call logs.
type FileWatcher struct {
	pipeline *Pipeline
	watchDir string
	backfill bool
	log      zerolog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// Stats
	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

func newFileWatcher(p *Pipeline, watchDir string, backfill bool) *FileWatcher {
	fw := &FileWatcher{
		pipeline:       p,
		watchDir:       watchDir,
		backfill:       backfill,
		log:            p.log.With().Str("component", "watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	fw.status.Store("starting")
	return fw
}

// Start adds the directory tree to fsnotify and begins watching. With
// backfill enabled, existing files are ingested in a background goroutine.
func (fw *FileWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	dirCount := 0
	err = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == fw.watchDir {
				return err
			}
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil // continue walking
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("file watcher initialized")

	go fw.watchLoop()

	if fw.backfill {
		go fw.runBackfill()
	} else {
		fw.status.Store("watching")
	}
	return nil
}

// Stop closes the fsnotify watcher and cancels pending debounced files.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(fw.stop)
}

func (fw *FileWatcher) stop() {
	fw.status.Store("stopped")
	close(fw.done)
	if fw.watcher != nil {
		fw.watcher.Close()
	}

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Int64("files_failed", fw.filesFailed.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() *WatcherStatus {
	s, _ := fw.status.Load().(string)
	return &WatcherStatus{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesSkipped:   fw.filesSkipped.Load(),
		FilesFailed:    fw.filesFailed.Load(),
	}
}

func (fw *FileWatcher) watchLoop() {
	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New directory: watch it so per-day export folders are picked up.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !isTranscriptFile(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// isTranscriptFile skips hidden and temporary files, including the archive's
// own in-flight temp files when the archive lives under the watch directory.
func isTranscriptFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

// scheduleProcess debounces file processing so the file is fully written
// before it is read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(watchDebounce)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(watchDebounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
}

// processFile reads one transcript file and passes it to the pipeline.
// Duplicates count as skipped so re-exported directories are harmless.
func (fw *FileWatcher) processFile(path string) {
	select {
	case <-fw.done:
		return
	default:
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fw.filesFailed.Add(1)
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to read transcript file")
		return
	}

	ctx, cancel := context.WithTimeout(fw.pipeline.ctx, 10*time.Second)
	defer cancel()

	_, err = fw.pipeline.IngestJSON(ctx, "watcher", data)
	switch {
	case err == nil:
		fw.filesProcessed.Add(1)
	case errors.Is(err, ErrDuplicateCall):
		fw.filesSkipped.Add(1)
	default:
		fw.filesFailed.Add(1)
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to ingest transcript file")
	}
}

// runBackfill ingests existing files oldest-first by modification time.
func (fw *FileWatcher) runBackfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	_ = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isTranscriptFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	fw.log.Info().Int("files", len(files)).Msg("backfill starting")

	// Bounded so the analysis queue is not flooded faster than it drains.
	const numWorkers = 4
	work := make(chan fileEntry, numWorkers*2)
	var wg sync.WaitGroup
	var processed atomic.Int64

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range work {
				fw.processFile(f.path)
				n := processed.Add(1)
				if n%1000 == 0 {
					fw.log.Info().
						Int64("processed", n).
						Int("total", len(files)).
						Msg("backfill progress")
				}
			}
		}()
	}

	for _, f := range files {
		select {
		case <-fw.done:
			fw.log.Info().Int64("processed", processed.Load()).Msg("backfill interrupted by shutdown")
			close(work)
			wg.Wait()
			return
		case work <- f:
		}
	}
	close(work)
	wg.Wait()

	fw.status.CompareAndSwap("backfilling", "watching")
	fw.log.Info().
		Int64("processed", processed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}
