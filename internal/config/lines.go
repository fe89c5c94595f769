package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/robertosilvah/rdtmgr/internal/model"
)

// linesFile is the layout of the line field mapping:
//
//	lines:
//	  1:
//	    scanner: scanner1
//	    count: count1
//	    cycle_time: ct1
type linesFile struct {
	Lines map[int64]model.Fields `yaml:"lines"`
}

// LoadLines reads the telemetry field mapping of every line.
func LoadLines(path string) (map[int64]model.Fields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lines: read file: %w", err)
	}
	var f linesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("lines: parse yaml: %w", err)
	}
	for id, fields := range f.Lines {
		if fields.Count == "" {
			return nil, fmt.Errorf("lines: line %d: count is required", id)
		}
	}
	if f.Lines == nil {
		f.Lines = map[int64]model.Fields{}
	}
	return f.Lines, nil
}

// WatchLines reloads the field mapping at path whenever the file is written
// and passes it to onChange. It runs until ctx is cancelled.
//
// A reload that fails is logged and the previous mapping stays active.
func WatchLines(ctx context.Context, path string, log *slog.Logger, onChange func(map[int64]model.Fields)) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	log.Info("lines: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save via rename, so Create counts too.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			lines, err := LoadLines(path)
			if err != nil {
				log.Error("lines: reload failed, keeping previous mapping", "path", path, "error", err)
				continue
			}
			log.Info("lines: reloaded", "path", path, "lines", len(lines))
			onChange(lines)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("lines: watcher error", "error", err)
		}
	}
}
