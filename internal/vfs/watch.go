package vfs

import (
	"github.com/fsnotify/fsnotify"

	"github.com/aetherhq/aether/internal/kerr"
)

// WatchFunc receives filesystem changes observed under a watched path.
type WatchFunc func(vpath, changeType string)

// Watch observes a virtual path with fsnotify and calls fn for every
// change. Watching is best-effort: host-level moves of the root or
// unsupported platforms simply stop the stream. The returned function
// stops the watch.
func (f *FS) Watch(vpath string, fn WatchFunc) (func(), error) {
	real, err := f.resolve(vpath)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, kerr.CodeInternal, err, "create watcher")
	}
	if err := w.Add(real); err != nil {
		w.Close()
		return nil, kerr.Wrap(kerr.NotFound, kerr.CodeNotFound, err, "watch %s", vpath)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				change := ""
				switch {
				case ev.Op.Has(fsnotify.Create):
					change = "create"
				case ev.Op.Has(fsnotify.Write):
					change = "modify"
				case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
					change = "delete"
				}
				if change != "" {
					fn(f.virtual(ev.Name), change)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Warn("fs watcher error", "path", vpath, "err", err)
			}
		}
	}()
	return func() { w.Close() }, nil
}
