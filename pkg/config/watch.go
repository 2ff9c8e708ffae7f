package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/kyleArnott/vermont/pkg/ie"
	"github.com/kyleArnott/vermont/pkg/rules"
)

var watchLog = logrus.WithField("component", "config.RuleWatcher")

// RuleWatcher re-parses RuleFile whenever it changes on disk and hands the
// freshly-built RuleSet to onReload. It watches the containing directory
// rather than the file itself, since editors and config-management tools
// commonly replace a file via rename rather than in-place write, an event
// fsnotify only reports against the directory entry.
type RuleWatcher struct {
	path      string
	registry  *ie.Registry
	maxRules  int
	maxFields int
	onReload  func(*rules.RuleSet)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRuleSet starts watching path for changes, invoking onReload with
// each successfully parsed and validated RuleSet. Call Close to stop.
func WatchRuleSet(path string, registry *ie.Registry, maxRules, maxFields int, onReload func(*rules.RuleSet)) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	rw := &RuleWatcher{
		path:      path,
		registry:  registry,
		maxRules:  maxRules,
		maxFields: maxFields,
		onReload:  onReload,
		watcher:   w,
		done:      make(chan struct{}),
	}
	go rw.run()
	return rw, nil
}

func (rw *RuleWatcher) run() {
	defer close(rw.done)
	target, err := filepath.Abs(rw.path)
	if err != nil {
		target = rw.path
	}
	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				abs = ev.Name
			}
			if abs != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rw.reload()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			watchLog.WithError(err).Error("rule file watch error")
		}
	}
}

func (rw *RuleWatcher) reload() {
	rs, err := LoadRuleSet(rw.path, rw.registry)
	if err != nil {
		watchLog.WithError(err).Error("rule file changed but failed to parse, keeping previous rule set")
		return
	}
	if err := rs.Validate(rw.maxRules, rw.maxFields); err != nil {
		watchLog.WithError(err).Error("rule file changed but failed validation, keeping previous rule set")
		return
	}
	watchLog.Info("rule file reloaded")
	rw.onReload(rs)
}

// Close stops the watcher and waits for its goroutine to exit.
func (rw *RuleWatcher) Close() error {
	err := rw.watcher.Close()
	<-rw.done
	return err
}
