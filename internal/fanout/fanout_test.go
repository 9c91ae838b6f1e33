package fanout

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertai/alertai/internal/conf"
	"github.com/alertai/alertai/internal/datastore"
	"github.com/alertai/alertai/internal/datastore/entities"
	"github.com/alertai/alertai/internal/dispatch"
	"github.com/alertai/alertai/internal/emergency"
	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/geo"
	"github.com/alertai/alertai/internal/notifier"
)

var origin = geo.Point{Lat: 11.84901, Lon: 13.056751}

func newTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	s, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "fanout.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func verifiedEvent() *entities.EmergencyEvent {
	return &entities.EmergencyEvent{
		ID:                 uuid.NewString(),
		Type:               string(emergency.Fire),
		Confidence:         0.92,
		Lat:                origin.Lat,
		Lon:                origin.Lon,
		Building:           "Medical Center Building A",
		Floor:              "2nd Floor",
		ImageRef:           "detections/fire_0001.jpg",
		DetectedAt:         time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		VerificationStatus: entities.StatusVerified,
	}
}

// addUser registers a user metersNorth of origin with a location observed at.
func addUser(t *testing.T, s *datastore.Store, id string, metersNorth float64, observedAt time.Time) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, s.Users().Register(ctx, &entities.User{ID: id, Name: "User " + id, ContactChannel: "log://" + id}))
	p := geo.OffsetNorth(origin, metersNorth)
	require.NoError(t, s.Users().UpdateLocation(ctx, id, p.Lat, p.Lon, 5, observedAt))
}

// recordingDispatcher remembers every dispatch and can fail chosen users.
type recordingDispatcher struct {
	mu       sync.Mutex
	sent     map[string]notifier.Payload
	channels map[string]string
	failFor  map[string]bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		sent:     make(map[string]notifier.Payload),
		channels: make(map[string]string),
		failFor:  make(map[string]bool),
	}
}

func (r *recordingDispatcher) Dispatch(_ context.Context, _, userID, channel string, payload notifier.Payload) (*entities.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[userID] = payload
	r.channels[userID] = channel
	if r.failFor[userID] {
		return nil, stderrors.New("store unavailable")
	}
	return &entities.DeliveryAttempt{UserID: userID}, nil
}

func (r *recordingDispatcher) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for id := range r.sent {
		out = append(out, id)
	}
	return out
}

type okNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *okNotifier) Send(context.Context, string, notifier.Payload) notifier.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return notifier.Result{Delivered: true, Class: notifier.ClassNone}
}

func TestFanOutRadiusBoundary(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	addUser(t, s, "near", 50, now)
	addUser(t, s, "edge", 100, now)
	addUser(t, s, "far", 150, now)

	n := &okNotifier{}
	d := dispatch.New(s.Deliveries(), n, dispatch.Options{}, nil)
	e := New(s.Users(), s.Processed(), d, Options{RadiusMeters: 100, Workers: 2}, nil)

	ev := verifiedEvent()
	res, err := e.FanOut(t.Context(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{MatchedUsers: 2}, res)

	rows, err := s.Deliveries().ListByEvent(t.Context(), ev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "edge", rows[0].UserID)
	assert.Equal(t, "near", rows[1].UserID)
	assert.Equal(t, 2, n.calls)
}

func TestFanOutTwiceCreatesNoExtraDeliveries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	addUser(t, s, "a", 10, now)
	addUser(t, s, "b", 20, now)

	n := &okNotifier{}
	d := dispatch.New(s.Deliveries(), n, dispatch.Options{}, nil)
	e := New(s.Users(), s.Processed(), d, Options{}, nil)
	ev := verifiedEvent()

	first, err := e.FanOut(t.Context(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, first.MatchedUsers)
	assert.False(t, first.AlreadyProcessed)

	// A user who moves in afterwards does not change the processed event.
	addUser(t, s, "late", 5, now)

	second, err := e.FanOut(t.Context(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{MatchedUsers: 2, AlreadyProcessed: true}, second)

	rows, err := s.Deliveries().ListByEvent(t.Context(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 2, n.calls)
}

func TestConcurrentFanOutDeliversOncePerUser(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		addUser(t, s, id, 30, now)
	}

	n := &okNotifier{}
	d := dispatch.New(s.Deliveries(), n, dispatch.Options{}, nil)
	e := New(s.Users(), s.Processed(), d, Options{}, nil)
	ev := verifiedEvent()

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			_, err := e.FanOut(t.Context(), ev)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	rows, err := s.Deliveries().ListByEvent(t.Context(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, 3, n.calls)
}

func TestFanOutRequiresVerifiedEvent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec := newRecordingDispatcher()
	e := New(s.Users(), s.Processed(), rec, Options{}, nil)

	for _, status := range []entities.VerificationStatus{entities.StatusPending, entities.StatusRejected} {
		ev := verifiedEvent()
		ev.VerificationStatus = status

		_, err := e.FanOut(t.Context(), ev)
		require.ErrorIs(t, err, ErrNotVerified)
		assert.True(t, errors.IsCategory(err, errors.CategoryState))

		got, err := s.Processed().Get(t.Context(), ev.ID)
		require.NoError(t, err)
		assert.Nil(t, got, "a refused event must not be marked processed")
	}
	assert.Empty(t, rec.users())
}

func TestFanOutSkipsStaleLocations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	addUser(t, s, "fresh", 10, now.Add(-10*time.Minute))
	addUser(t, s, "stale", 10, now.Add(-3*time.Hour))
	require.NoError(t, s.Users().Register(t.Context(), &entities.User{ID: "nowhere", Name: "No Location", ContactChannel: "log://nowhere"}))

	rec := newRecordingDispatcher()
	e := New(s.Users(), s.Processed(), rec, Options{MaxLocationAge: time.Hour}, nil)

	res, err := e.FanOut(t.Context(), verifiedEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchedUsers)
	assert.Equal(t, []string{"fresh"}, rec.users())
}

func TestFanOutZeroMaxAgeAcceptsOldLocations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	addUser(t, s, "old", 10, time.Now().Add(-72*time.Hour))

	rec := newRecordingDispatcher()
	e := New(s.Users(), s.Processed(), rec, Options{}, nil)

	res, err := e.FanOut(t.Context(), verifiedEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchedUsers)
}

func TestFanOutAlertsResponders(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	addUser(t, s, "near", 20, time.Now())

	rec := newRecordingDispatcher()
	e := New(s.Users(), s.Processed(), rec, Options{
		Responders: []conf.Responder{{Name: "security", Channel: "https://hooks.example.com/security"}},
	}, nil)

	res, err := e.FanOut(t.Context(), verifiedEvent())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchedUsers, "responders are not counted as matched users")

	assert.ElementsMatch(t, []string{"near", "responder:security"}, rec.users())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "https://hooks.example.com/security", rec.channels["responder:security"])
	assert.Zero(t, rec.sent["responder:security"].DistanceMeters)
}

func TestFanOutIsolatesDispatchFailures(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		addUser(t, s, id, 15, now)
	}

	rec := newRecordingDispatcher()
	rec.failFor["b"] = true
	e := New(s.Users(), s.Processed(), rec, Options{Workers: 1}, nil)

	res, err := e.FanOut(t.Context(), verifiedEvent())
	require.NoError(t, err)
	assert.Equal(t, 4, res.MatchedUsers)
	assert.Len(t, rec.users(), 4)
}

func TestFanOutCompletesAfterCancel(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	addUser(t, s, "a", 15, now)
	addUser(t, s, "b", 25, now)

	n := &okNotifier{}
	d := dispatch.New(s.Deliveries(), n, dispatch.Options{}, nil)
	e := New(s.Users(), s.Processed(), d, Options{Workers: 1}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	ev := verifiedEvent()

	// Cancel from inside the first dispatch; remaining users are still sent.
	cancelling := &cancelOnFirst{Dispatcher: d, cancel: cancel}
	e.dispatcher = cancelling

	_, err := e.FanOut(ctx, ev)
	require.NoError(t, err)

	rows, err := s.Deliveries().ListByEvent(t.Context(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, entities.DeliveryDelivered, r.Status)
	}
}

type cancelOnFirst struct {
	Dispatcher
	once   sync.Once
	cancel context.CancelFunc
}

func (c *cancelOnFirst) Dispatch(ctx context.Context, eventID, userID, channel string, payload notifier.Payload) (*entities.DeliveryAttempt, error) {
	c.once.Do(c.cancel)
	return c.Dispatcher.Dispatch(ctx, eventID, userID, channel, payload)
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	ev := verifiedEvent()
	ev.Type = string(emergency.FallenPerson)

	p, err := BuildPayload(ev, "u-1", "Amina", 48.8765)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, p.EventID)
	assert.Equal(t, "fallen_person", p.Type)
	assert.Equal(t, "Fallen Person", p.DisplayType)
	assert.InDelta(t, 48.88, p.DistanceMeters, 1e-9)
	assert.Equal(t, "https://maps.google.com/maps?q=11.849010,13.056751", p.MapsURL)
	assert.Equal(t, Instruction(emergency.FallenPerson), p.Instruction)
	assert.Equal(t, "Fallen Person emergency at Medical Center Building A", p.Title)

	assert.Contains(t, p.HTML, "<strong>Medical Center Building A</strong>")
	assert.Contains(t, p.HTML, "2nd Floor")
	assert.Contains(t, p.Text, "Medical Center Building A")
	assert.Contains(t, p.Text, "call emergency services")
	assert.NotContains(t, p.Text, "<strong>")
}

func TestBuildPayloadConcurrent(t *testing.T) {
	t.Parallel()

	ev := verifiedEvent()
	ev.Type = string(emergency.FallenPerson)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			for range 50 {
				p, err := BuildPayload(ev, "u-1", "", float64(i))
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, "Fallen Person", p.DisplayType)
			}
		})
	}
	wg.Wait()
}

func TestBuildPayloadEscapesBuildingName(t *testing.T) {
	t.Parallel()

	ev := verifiedEvent()
	ev.Building = `Lab <script>alert(1)</script>`

	p, err := BuildPayload(ev, "u-1", "", 10)
	require.NoError(t, err)
	assert.NotContains(t, p.HTML, "<script>")
}

func TestInstructionCoversEveryType(t *testing.T) {
	t.Parallel()

	for _, typ := range emergency.Types() {
		assert.NotEqual(t, fallbackInstruction, Instruction(typ), typ)
	}
	assert.Equal(t, fallbackInstruction, Instruction("flood"))
}
