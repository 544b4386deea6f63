package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/store"
)

// Appender persists journal entries. *store.Journal implements it.
type Appender interface {
	Append(ctx context.Context, e *store.Entry) error
}

// JournalHandler returns a bus handler that writes every event to the
// journal. Write failures are logged and never reach the publisher.
func JournalHandler(a Appender) Handler {
	return func(e Event) {
		payload, err := json.Marshal(e)
		if err != nil {
			log.Warn("encode event for journal", "kind", e.Kind(), "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		entry := &store.Entry{
			FeatureID: e.Feature(),
			Kind:      string(e.Kind()),
			Payload:   payload,
			CreatedAt: e.Time(),
		}
		if err := a.Append(ctx, entry); err != nil {
			log.Warn("journal event", "kind", e.Kind(), "feature", e.Feature(), "error", err)
		}
	}
}
