package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/notifier"
	"github.com/alertai/alertai/internal/observability/metrics"
)

// fakeNotifier returns a scripted class per channel. Once a channel's script
// is used up the last class repeats.
type fakeNotifier struct {
	mu      sync.Mutex
	script  map[string][]notifier.ErrorClass
	calls   map[string]int
	lastMsg map[string]notifier.Payload
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		script:  make(map[string][]notifier.ErrorClass),
		calls:   make(map[string]int),
		lastMsg: make(map[string]notifier.Payload),
	}
}

func (f *fakeNotifier) on(channel string, classes ...notifier.ErrorClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[channel] = classes
}

func (f *fakeNotifier) Send(_ context.Context, channel string, payload notifier.Payload) notifier.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[channel]
	f.calls[channel] = n + 1
	f.lastMsg[channel] = payload

	class := notifier.ClassNone
	if s := f.script[channel]; len(s) > 0 {
		class = s[min(n, len(s)-1)]
	}
	if class == notifier.ClassNone {
		return notifier.Result{Delivered: true, Class: class}
	}
	return notifier.Result{Class: class, Err: stderrors.New("send failed: " + string(class))}
}

func (f *fakeNotifier) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[channel]
}

func newTestDispatcher(t *testing.T, n notifier.Notifier) (*Dispatcher, *datastore.Store) {
	t.Helper()
	s, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "dispatch.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := metrics.NewNotificationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return New(s.Deliveries(), n, Options{RetryWorkers: 2}, m), s
}

func payloadFor(eventID, userID string) notifier.Payload {
	return notifier.Payload{
		EventID:        eventID,
		Type:           "fire",
		DisplayType:    "Fire",
		Building:       "Main Building",
		DistanceMeters: 48.9,
		RecipientID:    userID,
		Title:          "Fire emergency near you",
		Text:           "Evacuate immediately",
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, entities.DeliveryDelivered, StatusFor(notifier.ClassNone))
	assert.Equal(t, entities.DeliveryFailedRetriable, StatusFor(notifier.ClassConnection))
	assert.Equal(t, entities.DeliveryFailedRetriable, StatusFor(notifier.ClassTimeout))
	assert.Equal(t, entities.DeliveryFailedTerminal, StatusFor(notifier.ClassOther))
}

func TestDispatchRecordsDelivered(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	d, s := newTestDispatcher(t, n)
	ctx := t.Context()

	got, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	stored, err := s.Deliveries().GetByPair(ctx, "e-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryDelivered, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, string(notifier.ClassNone), stored.ErrorClass)

	var p notifier.Payload
	require.NoError(t, json.Unmarshal([]byte(stored.Payload), &p))
	assert.Equal(t, "Main Building", p.Building)
}

func TestDispatchSamePairSendsOnce(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	d, s := newTestDispatcher(t, n)
	ctx := t.Context()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 16 {
		wg.Go(func() {
			<-start
			_, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
			assert.NoError(t, err)
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, n.count("log://u-1"))
	assert.InDelta(t, 15, testutil.ToFloat64(d.metrics.DuplicateDispatches), 0)

	rows, err := s.Deliveries().ListByEvent(ctx, "e-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].AttemptCount)
}

func TestDispatchExistingPairReturnsStoredRow(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://u-1", notifier.ClassConnection)
	d, _ := newTestDispatcher(t, n)
	ctx := t.Context()

	first, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)
	require.Equal(t, entities.DeliveryFailedRetriable, first.Status)

	again, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, entities.DeliveryFailedRetriable, again.Status)
	assert.Equal(t, 1, n.count("log://u-1"), "a second dispatch must not resend")
}

func TestDispatchClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		class notifier.ErrorClass
		want  entities.DeliveryStatus
	}{
		{"connection", notifier.ClassConnection, entities.DeliveryFailedRetriable},
		{"timeout", notifier.ClassTimeout, entities.DeliveryFailedRetriable},
		{"other", notifier.ClassOther, entities.DeliveryFailedTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := newFakeNotifier()
			n.on("log://u-1", tt.class)
			d, s := newTestDispatcher(t, n)

			_, err := d.Dispatch(t.Context(), "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
			require.NoError(t, err)

			stored, err := s.Deliveries().GetByPair(t.Context(), "e-1", "u-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
			assert.Equal(t, string(tt.class), stored.ErrorClass)
			assert.Contains(t, stored.LastError, string(tt.class))
		})
	}
}

func TestRetryFailedResendsOnlyRetriable(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://flaky", notifier.ClassConnection, notifier.ClassNone)
	n.on("log://broken", notifier.ClassOther)
	d, s := newTestDispatcher(t, n)
	ctx := t.Context()

	for _, u := range []string{"ok", "flaky", "broken"} {
		_, err := d.Dispatch(ctx, "e-1", u, "log://"+u, payloadFor("e-1", u))
		require.NoError(t, err)
	}

	summary, err := d.RetryFailed(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{EventID: "e-1", Attempted: 1, Delivered: 1}, summary)

	assert.Equal(t, 1, n.count("log://ok"))
	assert.Equal(t, 2, n.count("log://flaky"))
	assert.Equal(t, 1, n.count("log://broken"))

	flaky, err := s.Deliveries().GetByPair(ctx, "e-1", "flaky")
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryDelivered, flaky.Status)
	assert.Equal(t, 2, flaky.AttemptCount)
	assert.Empty(t, flaky.LastError)

	broken, err := s.Deliveries().GetByPair(ctx, "e-1", "broken")
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryFailedTerminal, broken.Status)
	assert.Equal(t, 1, broken.AttemptCount)

	// Nothing is left to retry.
	summary, err = d.RetryFailed(ctx, "e-1")
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.Equal(t, 2, n.count("log://flaky"))
}

func TestRetryFailedResendsStoredPayload(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://u-1", notifier.ClassTimeout, notifier.ClassTimeout)
	d, s := newTestDispatcher(t, n)
	ctx := t.Context()

	_, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)

	summary, err := d.RetryFailed(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.FailedRetriable)

	n.mu.Lock()
	resent := n.lastMsg["log://u-1"]
	n.mu.Unlock()
	assert.Equal(t, "Main Building", resent.Building)
	assert.InDelta(t, 48.9, resent.DistanceMeters, 1e-9)

	stored, err := s.Deliveries().GetByPair(ctx, "e-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryFailedRetriable, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)
}

func TestRetryFailedUnreadablePayloadIsTerminal(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://u-1", notifier.ClassConnection)
	d, s := newTestDispatcher(t, n)
	ctx := t.Context()

	a, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)
	require.NoError(t, s.DB().Model(&entities.DeliveryAttempt{}).
		Where("id = ?", a.ID).Update("payload", "{not json").Error)

	summary, err := d.RetryFailed(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.FailedTerminal)
	assert.Equal(t, 1, n.count("log://u-1"), "an unreadable payload must not be sent")

	stored, err := s.Deliveries().GetByPair(ctx, "e-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, entities.DeliveryFailedTerminal, stored.Status)
	assert.Equal(t, string(notifier.ClassOther), stored.ErrorClass)
	assert.Contains(t, stored.LastError, "stored payload unreadable")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "refused", 10, "refused"},
		{"ascii", "connection refused", 10, "connection"},
		{"cut inside two-byte rune", "café", 4, "caf"},
		{"cut after rune", "café", 5, "café"},
		{"cut inside emoji", "ok 🔥 fire", 5, "ok "},
		{"zero", "é", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestConcurrentRetriesSendEachRowOnce(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://u-1", notifier.ClassConnection, notifier.ClassNone)
	d, _ := newTestDispatcher(t, n)
	ctx := t.Context()

	_, err := d.Dispatch(ctx, "e-1", "u-1", "log://u-1", payloadFor("e-1", "u-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			_, err := d.RetryFailed(ctx, "e-1")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 2, n.count("log://u-1"))
}

func TestSummaryAndAcknowledge(t *testing.T) {
	t.Parallel()

	n := newFakeNotifier()
	n.on("log://u-2", notifier.ClassOther)
	d, _ := newTestDispatcher(t, n)
	ctx := t.Context()

	for _, u := range []string{"u-1", "u-2"} {
		_, err := d.Dispatch(ctx, "e-1", u, "log://"+u, payloadFor("e-1", u))
		require.NoError(t, err)
	}

	counts, err := d.Summary(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[entities.DeliveryDelivered])
	assert.Equal(t, int64(1), counts[entities.DeliveryFailedTerminal])
	assert.Equal(t, int64(0), counts[entities.DeliveryPending])

	ok, err := d.Acknowledge(ctx, "e-1", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Acknowledge(ctx, "e-1", "u-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Acknowledge(ctx, "e-1", "nobody")
	require.ErrorIs(t, err, datastore.ErrDeliveryNotFound)

	rows, err := d.List(ctx, "e-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
