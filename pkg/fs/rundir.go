// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RemoveRunDir removes a per-session or per-resource rundir tree. This is
// a best-effort release-path step: failures are logged, never
// propagated, so teardown always completes. When a watcher is
// available it confirms the remove actually lands before returning, the
// way a careful teardown would rather not report success on a removal
// that the filesystem hasn't settled yet; if the watch can't be set up
// (no inotify, sandboxed fs) it just falls back to the plain remove.
func RemoveRunDir(path string) {
	if path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			log.WithError(rmErr).WithField("path", path).Warn("failed to remove rundir")
		}
		return
	}
	defer watcher.Close()

	parent := path
	if err := watcher.Add(parentDir(parent)); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			log.WithError(rmErr).WithField("path", path).Warn("failed to remove rundir")
		}
		return
	}

	if err := os.RemoveAll(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to remove rundir")
		return
	}

	select {
	case ev, ok := <-watcher.Events:
		if ok && ev.Op&fsnotify.Remove == 0 {
			log.WithField("path", path).Debug("rundir removal observed non-remove event")
		}
	case <-time.After(200 * time.Millisecond):
		log.WithField("path", path).Debug("rundir removal confirmation timed out")
	}
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
