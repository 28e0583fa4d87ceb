package ports

// Watcher reports changes to individual files. The adapter (fsnotify) watches
// each file's parent directory so that rotation by unlink-and-recreate is
// seen, filters events down to tracked paths and debounces them.
type Watcher interface {
	// Add starts tracking an absolute, clean path. The file need not exist
	// yet. Adding a tracked path again is a no-op.
	Add(path string) error

	// Remove stops tracking path. Removing an untracked path is not an error.
	Remove(path string) error

	// Events delivers the path of each changed tracked file. Events for one
	// path arrive in order; a burst may collapse into a single event but the
	// last change of a burst is never lost.
	Events() <-chan string

	// Stop ends monitoring and releases all resources. After Stop returns,
	// no further events are delivered. Safe to call multiple times.
	Stop() error
}
