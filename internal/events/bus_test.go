package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

func TestBus_PublishOrder(t *testing.T) {
	b := NewBus()
	var got []string

	b.SubscribeAll(func(Event) { got = append(got, "all") })
	b.Subscribe(KindError, func(Event) { got = append(got, "error-1") })
	b.Subscribe(KindError, func(Event) { got = append(got, "error-2") })
	b.Subscribe(KindPRMerged, func(Event) { got = append(got, "merged") })

	b.Publish(Error{Base: NewBase("feat"), Stage: "review", Message: "boom"})
	assert.Equal(t, []string{"error-1", "error-2", "all"}, got)
	assert.Equal(t, 4, b.SubscriptionCount())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	id := b.Subscribe(KindPRClosed, func(Event) { calls++ })

	b.Publish(PRClosed{Base: NewBase("feat"), PRNumber: 1})
	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	b.Publish(PRClosed{Base: NewBase("feat"), PRNumber: 1})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_PanicIsolated(t *testing.T) {
	b := NewBus()
	reached := false
	b.Subscribe(KindError, func(Event) { panic("bad handler") })
	b.SubscribeAll(func(Event) { reached = true })

	assert.NotPanics(t, func() {
		b.Publish(Error{Base: NewBase("feat"), Stage: "review"})
	})
	assert.True(t, reached)
}

func TestBus_Clear(t *testing.T) {
	b := NewBus()
	b.SubscribeAll(func(Event) {})
	b.Subscribe(KindError, func(Event) {})
	b.Clear()
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	rec := &Recorder{}
	b.SubscribeAll(rec.Publish)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(PRClosed{Base: NewBase("feat")})
		}()
	}
	wg.Wait()
	assert.Len(t, rec.Events(), 20)
}

type kindCounter struct {
	seen []Kind
}

func (k *kindCounter) VisitStateChanged(StateChanged)               { k.seen = append(k.seen, KindStateChanged) }
func (k *kindCounter) VisitReviewCompleted(ReviewCompleted)         { k.seen = append(k.seen, KindReviewCompleted) }
func (k *kindCounter) VisitRefinementStarted(RefinementStarted)     { k.seen = append(k.seen, KindRefinementStarted) }
func (k *kindCounter) VisitRefinementCompleted(RefinementCompleted) { k.seen = append(k.seen, KindRefinementCompleted) }
func (k *kindCounter) VisitPRFeedbackReceived(PRFeedbackReceived)   { k.seen = append(k.seen, KindPRFeedbackReceived) }
func (k *kindCounter) VisitReadyForHuman(ReadyForHuman)             { k.seen = append(k.seen, KindReadyForHuman) }
func (k *kindCounter) VisitError(Error)                             { k.seen = append(k.seen, KindError) }
func (k *kindCounter) VisitMonitoringStarted(MonitoringStarted)     { k.seen = append(k.seen, KindMonitoringStarted) }
func (k *kindCounter) VisitMonitoringStopped(MonitoringStopped)     { k.seen = append(k.seen, KindMonitoringStopped) }
func (k *kindCounter) VisitNewComments(NewComments)                 { k.seen = append(k.seen, KindNewComments) }
func (k *kindCounter) VisitNewReviews(NewReviews)                   { k.seen = append(k.seen, KindNewReviews) }
func (k *kindCounter) VisitChecksChanged(ChecksChanged)             { k.seen = append(k.seen, KindChecksChanged) }
func (k *kindCounter) VisitMergeableChanged(MergeableChanged)       { k.seen = append(k.seen, KindMergeableChanged) }
func (k *kindCounter) VisitChangesRequested(ChangesRequested)       { k.seen = append(k.seen, KindChangesRequested) }
func (k *kindCounter) VisitPRMerged(PRMerged)                       { k.seen = append(k.seen, KindPRMerged) }
func (k *kindCounter) VisitPRClosed(PRClosed)                       { k.seen = append(k.seen, KindPRClosed) }
func (k *kindCounter) VisitPullCompleted(PullCompleted)             { k.seen = append(k.seen, KindPullCompleted) }
func (k *kindCounter) VisitPullFailed(PullFailed)                   { k.seen = append(k.seen, KindPullFailed) }
func (k *kindCounter) VisitWorktreeCleaned(WorktreeCleaned)         { k.seen = append(k.seen, KindWorktreeCleaned) }
func (k *kindCounter) VisitCleanupFailed(CleanupFailed)             { k.seen = append(k.seen, KindCleanupFailed) }

func TestAccept_DispatchesByKind(t *testing.T) {
	base := NewBase("feat")
	all := []Event{
		StateChanged{Base: base}, ReviewCompleted{Base: base}, RefinementStarted{Base: base},
		RefinementCompleted{Base: base}, PRFeedbackReceived{Base: base}, ReadyForHuman{Base: base},
		Error{Base: base}, MonitoringStarted{Base: base}, MonitoringStopped{Base: base},
		NewComments{Base: base}, NewReviews{Base: base}, ChecksChanged{Base: base},
		MergeableChanged{Base: base}, ChangesRequested{Base: base}, PRMerged{Base: base},
		PRClosed{Base: base}, PullCompleted{Base: base}, PullFailed{Base: base},
		WorktreeCleaned{Base: base}, CleanupFailed{Base: base},
	}

	v := &kindCounter{}
	for _, e := range all {
		e.Accept(v)
		assert.Equal(t, "feat", e.Feature())
	}
	require.Len(t, v.seen, len(all))
	for i, e := range all {
		assert.Equal(t, e.Kind(), v.seen[i])
	}
}

func TestJournalHandler(t *testing.T) {
	j, err := store.NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	require.NoError(t, j.Migrate(context.Background()))

	b := NewBus()
	b.SubscribeAll(JournalHandler(j))
	b.Publish(StateChanged{Base: NewBase("feat-a"), From: models.StatePendingSelfReview, To: models.StateSelfReviewing})
	b.Publish(Error{Base: NewBase("feat-b"), Stage: "pr", Message: "gh failed"})

	entries, err := j.ListEvents(context.Background(), "feat-a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(KindStateChanged), entries[0].Kind)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "self_reviewing", payload["to"])

	all, err := j.ListEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *store.Entry) error { return errors.New("disk full") }

func TestJournalHandler_ErrorSwallowed(t *testing.T) {
	h := JournalHandler(failingAppender{})
	assert.NotPanics(t, func() { h(PRClosed{Base: NewBase("feat")}) })
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	rec.Publish(PRClosed{Base: NewBase("a")})
	rec.Publish(Error{Base: NewBase("a")})
	rec.Publish(PRClosed{Base: NewBase("b")})

	assert.Equal(t, []Kind{KindPRClosed, KindError, KindPRClosed}, rec.Kinds())
	assert.Len(t, rec.OfKind(KindPRClosed), 2)
}
