package ports

import (
	"fmt"
	"time"
)

// Kind classifies a Notification.
type Kind int

const (
	KindGrew          Kind = iota + 1 // new lines were indexed
	KindReset                         // the file was truncated or rotated; line numbers restart
	KindError                         // reading failed; indexed content is kept
	KindRecovered                     // reading works again after an error
	KindSearchUpdated                 // a search result was completed or extended
	KindClosed                        // the file is no longer tracked
)

func (k Kind) String() string {
	switch k {
	case KindGrew:
		return "grew"
	case KindReset:
		return "reset"
	case KindError:
		return "error"
	case KindRecovered:
		return "recovered"
	case KindSearchUpdated:
		return "search-updated"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification tells the UI about a change to one tracked file.
type Notification struct {
	Kind       Kind
	Path       string
	Lines      int    // line count after the change (grew, reset, recovered)
	Epoch      uint64 // index epoch after the change
	Generation uint64 // search generation (search-updated)
	Matches    int    // match count (search-updated)
	Err        error  // failure reason (error)
	Time       time.Time
}

func (n Notification) String() string {
	switch n.Kind {
	case KindGrew:
		return fmt.Sprintf("%s: grew to %d lines", n.Path, n.Lines)
	case KindReset:
		return fmt.Sprintf("%s: reset, %d lines", n.Path, n.Lines)
	case KindError:
		return fmt.Sprintf("%s: error: %v", n.Path, n.Err)
	case KindSearchUpdated:
		return fmt.Sprintf("%s: search %d updated, %d matches", n.Path, n.Generation, n.Matches)
	default:
		return fmt.Sprintf("%s: %s", n.Path, n.Kind)
	}
}
