package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
	"github.com/soundstage/backend/internal/realtime"
	"github.com/soundstage/backend/internal/scheduling"
	"github.com/soundstage/backend/pkg/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (f *fakeStore) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context, tx scheduling.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx, f)
}

func (f *fakeStore) Overlapping(_ context.Context, hostID uuid.UUID, w scheduling.Window, excludingID *uuid.UUID) ([]models.Session, error) {
	var out []models.Session
	for _, s := range f.sessions {
		if s.HostID != hostID || s.Status == models.SessionCancelled {
			continue
		}
		if excludingID != nil && s.ID == *excludingID {
			continue
		}
		if s.StartsAt.Before(w.End) && w.Start.Before(s.EndsAt) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSession(_ context.Context, s *models.Session) error {
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateWindow(_ context.Context, id uuid.UUID, w scheduling.Window) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionScheduled {
		return nil, apperr.ErrInvalidTransition
	}
	s.StartsAt, s.EndsAt = w.Start, w.End
	cp := *s
	return &cp, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListByHost(_ context.Context, hostID uuid.UUID) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.HostID == hostID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) Mutate(_ context.Context, id uuid.UUID, fn func(s *models.Session) (bool, error)) (*models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, false, apperr.ErrNotFound
	}
	cp := *s
	changed, err := fn(&cp)
	if err != nil {
		return nil, false, err
	}
	if changed {
		*s = cp
	}
	return &cp, changed, nil
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []realtime.MessageType
}

func (r *recordingBroadcaster) Broadcast(env realtime.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env.Type())
}

func (r *recordingBroadcaster) Publish(_ uuid.UUID, env realtime.Envelope) {
	r.Broadcast(env)
}

func (r *recordingBroadcaster) count(t realtime.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s == t {
			n++
		}
	}
	return n
}

type endHooks struct {
	closed      []uuid.UUID
	announced   []string
	transcripts []uuid.UUID
	relays      []uuid.UUID
}

func (h *endHooks) CloseAll(_ context.Context, id uuid.UUID) error {
	h.closed = append(h.closed, id)
	return nil
}

func (h *endHooks) Announce(_ context.Context, _ uuid.UUID, text string) error {
	h.announced = append(h.announced, text)
	return nil
}

func (h *endHooks) EnqueueTranscript(_ context.Context, id uuid.UUID) error {
	h.transcripts = append(h.transcripts, id)
	return errors.New("redis unavailable")
}

func (h *endHooks) Close(id uuid.UUID) { h.relays = append(h.relays, id) }

func at(h, m int) time.Time {
	return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
}

type fixture struct {
	svc   *Service
	store *fakeStore
	bc    *recordingBroadcaster
	hooks *endHooks
	host  models.Actor
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store: newFakeStore(),
		bc:    &recordingBroadcaster{},
		hooks: &endHooks{},
		host:  models.Actor{UserID: uuid.New(), Role: string(models.RoleArtist)},
		clock: at(10, 2),
	}
	f.svc = NewService(f.store, f.bc, zaptest.NewLogger(t),
		WithPresence(f.hooks),
		WithAnnouncer(f.hooks),
		WithTranscripts(f.hooks),
		WithRelay(f.hooks),
		WithClock(func() time.Time { return f.clock }),
	)
	return f
}

func (f *fixture) create(t *testing.T, start, end time.Time) *models.Session {
	t.Helper()
	s, err := f.svc.Create(context.Background(), f.host.UserID, "Friday set", scheduling.Window{Start: start, End: end})
	require.NoError(t, err)
	return s
}

func TestCreate_ConflictAndAbutting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w1 := f.create(t, at(10, 0), at(11, 0))
	assert.Equal(t, models.SessionScheduled, w1.Status)

	_, err := f.svc.Create(ctx, f.host.UserID, "overlap", scheduling.Window{Start: at(10, 30), End: at(11, 30)})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, w1.ID, conflict.ExistingID)

	f.create(t, at(11, 0), at(12, 0))

	list, err := f.svc.ListByHost(ctx, f.host.UserID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.host.UserID, "   ", scheduling.Window{Start: at(10, 0), End: at(11, 0)})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, f.store.sessions)
}

func TestGoLive_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, at(10, 0), at(11, 0))

	first, err := f.svc.GoLive(ctx, s.ID, f.host)
	require.NoError(t, err)
	assert.True(t, first.IsLive)
	assert.Equal(t, models.SessionLive, first.Status)
	require.NotNil(t, first.ActualStart)

	f.clock = at(10, 5)
	second, err := f.svc.GoLive(ctx, s.ID, f.host)
	require.NoError(t, err)
	assert.Equal(t, *first.ActualStart, *second.ActualStart)
	assert.Equal(t, 1, f.bc.count(realtime.TypeSessionUpdated))
	assert.Equal(t, 1, f.bc.count(realtime.TypeStreamStarted))
}

func TestGoLive_ConcurrentCallsBroadcastOnce(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, at(10, 0), at(11, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GoLive(context.Background(), s.ID, f.host)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.bc.count(realtime.TypeSessionUpdated))
}

func TestEnd_ClosesEverythingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, at(10, 0), at(11, 0))
	_, err := f.svc.GoLive(ctx, s.ID, f.host)
	require.NoError(t, err)

	f.clock = at(10, 50)
	ended, err := f.svc.End(ctx, s.ID, f.host)
	require.NoError(t, err)
	assert.False(t, ended.IsLive)
	assert.Equal(t, models.SessionEnded, ended.Status)
	assert.Equal(t, 0, ended.ViewerCount)
	require.NotNil(t, ended.ActualEnd)
	assert.Equal(t, at(10, 50), *ended.ActualEnd)

	again, err := f.svc.End(ctx, s.ID, f.host)
	require.NoError(t, err)
	assert.Equal(t, *ended.ActualEnd, *again.ActualEnd)

	assert.Equal(t, 2, f.bc.count(realtime.TypeSessionUpdated))
	assert.Equal(t, 1, f.bc.count(realtime.TypeStreamEnded))
	assert.Equal(t, []uuid.UUID{s.ID}, f.hooks.closed)
	assert.Equal(t, []uuid.UUID{s.ID}, f.hooks.relays)
	assert.Len(t, f.hooks.announced, 1)
	// enqueue failure is logged, not returned
	assert.Equal(t, []uuid.UUID{s.ID}, f.hooks.transcripts)
}

func TestTransitions_InvalidFromState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, at(10, 0), at(11, 0))

	_, err := f.svc.End(ctx, s.ID, f.host)
	assert.True(t, apperr.IsValidation(err), "end from scheduled")

	_, err = f.svc.Cancel(ctx, s.ID, f.host)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, s.ID, f.host)
	require.NoError(t, err, "cancel is idempotent")

	_, err = f.svc.GoLive(ctx, s.ID, f.host)
	assert.True(t, apperr.IsValidation(err), "go live from cancelled")
	assert.Zero(t, f.bc.count(realtime.TypeSessionUpdated))

	// the cancelled window is free again
	f.create(t, at(10, 0), at(11, 0))
}

func TestCancel_LiveIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, at(10, 0), at(11, 0))
	_, err := f.svc.GoLive(ctx, s.ID, f.host)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, s.ID, f.host)
	assert.True(t, apperr.IsValidation(err))
}

func TestMutations_RequireHostOrAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, at(10, 0), at(11, 0))

	stranger := models.Actor{UserID: uuid.New(), Role: string(models.RoleListener)}
	_, err := f.svc.GoLive(ctx, s.ID, stranger)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Reschedule(ctx, s.ID, stranger, scheduling.Window{Start: at(12, 0), End: at(13, 0)})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	admin := models.Actor{UserID: uuid.New(), Role: string(models.RoleAdmin)}
	_, err = f.svc.GoLive(ctx, s.ID, admin)
	assert.NoError(t, err)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, at(10, 0), at(11, 0))
	f.create(t, at(12, 0), at(13, 0))

	moved, err := f.svc.Reschedule(ctx, a.ID, f.host, scheduling.Window{Start: at(10, 30), End: at(11, 30)})
	require.NoError(t, err, "overlapping its own old window is fine")
	assert.Equal(t, at(10, 30), moved.StartsAt)

	_, err = f.svc.Reschedule(ctx, a.ID, f.host, scheduling.Window{Start: at(11, 30), End: at(12, 30)})
	assert.True(t, apperr.IsConflict(err))

	_, err = f.svc.Reschedule(ctx, uuid.New(), f.host, scheduling.Window{Start: at(14, 0), End: at(15, 0)})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

type linkMap map[string]string

func (l linkMap) TranscriptURL(_ context.Context, sessionID string) (string, error) {
	if u, ok := l[sessionID]; ok {
		return u, nil
	}
	return "", storage.ErrObjectNotFound
}

func TestTranscriptURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	archived := f.create(t, at(10, 0), at(11, 0))
	pending := f.create(t, at(12, 0), at(13, 0))
	links := linkMap{archived.ID.String(): "https://s3.example/transcripts/x.json?sig=1"}
	WithTranscriptLinks(links)(f.svc)

	_, err := f.svc.TranscriptURL(ctx, archived.ID, f.host)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "not ended yet")

	for _, id := range []uuid.UUID{archived.ID, pending.ID} {
		_, err := f.svc.GoLive(ctx, id, f.host)
		require.NoError(t, err)
		_, err = f.svc.End(ctx, id, f.host)
		require.NoError(t, err)
	}

	url, err := f.svc.TranscriptURL(ctx, archived.ID, f.host)
	require.NoError(t, err)
	assert.Equal(t, links[archived.ID.String()], url)

	_, err = f.svc.TranscriptURL(ctx, pending.ID, f.host)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "not archived yet")

	stranger := models.Actor{UserID: uuid.New(), Role: string(models.RoleListener)}
	_, err = f.svc.TranscriptURL(ctx, archived.ID, stranger)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
