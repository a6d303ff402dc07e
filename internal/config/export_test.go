package config

// Reload runs one poll of the watcher synchronously.
func (w *Watcher) Reload() bool { return w.reload() }
