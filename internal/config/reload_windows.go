//go:build windows

package config

// registerSignalHandler is a no-op on Windows since SIGHUP is not
// available there; the fsnotify file watcher still drives reloads.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("signal-driven config reload unavailable on Windows, file watcher only")
}
