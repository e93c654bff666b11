package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clinic-paging/internal/calls"
	"clinic-paging/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTTS struct {
	mu sync.Mutex
	n  int
}

func (c *countingTTS) Synthesize(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("/audios/%d.mp3", c.n), nil
}

type env struct {
	repo *calls.MemoryRepo
	svc  *calls.Service
	reg  *stream.Registry
	loop *Loop
	area calls.Area
	sec  calls.Sector
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := calls.NewMemoryRepo()
	area := repo.AddArea("Ambulatório")
	areaID := area.ID
	sec := repo.AddSector("Consultório 7", &areaID)

	svc, err := calls.NewService(repo, &countingTTS{}, calls.ServiceConfig{Policy: calls.DefaultPolicy()})
	require.NoError(t, err)

	reg := stream.NewRegistry(16)
	return &env{
		repo: repo,
		svc:  svc,
		reg:  reg,
		loop: New(svc, reg, Config{Interval: 10 * time.Millisecond, Concurrency: 2}, nil),
		area: area,
		sec:  sec,
	}
}

func (e *env) createCall(t *testing.T, patient string) calls.Call {
	t.Helper()
	c, err := e.svc.CreateCall(context.Background(), calls.CreateCallRequest{
		PatientName:   patient,
		RequesterName: "DR. JOÃO",
		SectorID:      e.sec.ID,
	})
	require.NoError(t, err)
	return c
}

func drain(s *stream.Subscriber) []calls.Payload {
	var out []calls.Payload
	for {
		select {
		case p := <-s.Events():
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestLoop_NoDoubleDispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub, unregister := e.reg.Register(e.area.ID)
	defer unregister()

	first := e.createCall(t, "MARIA SILVA")
	for i := 0; i < 10; i++ {
		e.loop.Tick(ctx)
	}

	got := drain(sub)
	require.Len(t, got, 1, "exactly one broadcast before finish")
	assert.Equal(t, first.ID, got[0].CallID)
	assert.Equal(t, 1, got[0].Attempt)

	second := e.createCall(t, "JOSÉ SANTOS")
	for i := 0; i < 3; i++ {
		e.loop.Tick(ctx)
	}
	assert.Empty(t, drain(sub), "nothing new may be dispatched while the area is playing")

	_, err := e.svc.Finish(ctx, got[0].AnnouncementID)
	require.NoError(t, err)

	report := e.loop.Tick(ctx)
	assert.Equal(t, 1, report.Claimed)
	next := drain(sub)
	require.Len(t, next, 1)
	assert.Equal(t, second.ID, next[0].CallID)
}

func TestLoop_SkipsAreasWithoutSubscribers(t *testing.T) {
	e := newEnv(t)
	e.createCall(t, "MARIA SILVA")

	report := e.loop.Tick(context.Background())
	assert.Equal(t, 0, report.Areas)

	waiting, err := e.svc.Waiting(context.Background(), e.sec.ID)
	require.NoError(t, err)
	assert.Len(t, waiting, 1, "no claim without subscribers")
}

func TestLoop_BroadcastsToEverySubscriberOfTheArea(t *testing.T) {
	e := newEnv(t)
	a, unA := e.reg.Register(e.area.ID)
	defer unA()
	b, unB := e.reg.Register(e.area.ID)
	defer unB()
	e.createCall(t, "MARIA SILVA")

	report := e.loop.Tick(context.Background())
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

// noRelease gives scripted claimers the release half of Claimer.
type noRelease struct{}

func (noRelease) Finish(ctx context.Context, id int64) (calls.FinishResult, error) {
	return calls.FinishResult{}, nil
}

func (noRelease) Retry(ctx context.Context, id int64) (calls.RetryResult, error) {
	return calls.RetryResult{}, nil
}

type blockingClaimer struct {
	noRelease

	entered chan struct{}
	release chan struct{}
}

func (b *blockingClaimer) ClaimNext(ctx context.Context, scope calls.Scope) (calls.ClaimResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return calls.ClaimResult{Outcome: calls.OutcomeNoneEligible}, nil
}

type fixedAreas []int64

func (f fixedAreas) Areas() []int64 { return f }
func (f fixedAreas) Broadcast(areaID int64, p calls.Payload) int { return 1 }

func TestLoop_TicksNeverOverlap(t *testing.T) {
	claimer := &blockingClaimer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	loop := New(claimer, fixedAreas{1}, Config{}, nil)

	done := make(chan TickReport)
	go func() { done <- loop.Tick(context.Background()) }()
	<-claimer.entered

	assert.True(t, loop.Tick(context.Background()).Skipped, "a tick in flight must cause the next to be skipped")

	close(claimer.release)
	assert.False(t, (<-done).Skipped)
	assert.False(t, loop.Tick(context.Background()).Skipped, "guard must be released after the tick")
}

type scriptedClaimer struct {
	noRelease
	mu   sync.Mutex
	fail map[int64]error
	seen []int64
}

func (s *scriptedClaimer) ClaimNext(ctx context.Context, scope calls.Scope) (calls.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, scope.ID)
	if scope.Kind != calls.ScopeArea {
		return calls.ClaimResult{}, errors.New("unexpected scope kind")
	}
	if err := s.fail[scope.ID]; err != nil {
		return calls.ClaimResult{}, err
	}
	return calls.ClaimResult{Outcome: calls.OutcomeClaimed, Payload: calls.Payload{CallID: scope.ID}}, nil
}

func TestLoop_AreaFailuresAreIsolated(t *testing.T) {
	claimer := &scriptedClaimer{fail: map[int64]error{
		2: fmt.Errorf("claim: %w", calls.ErrSynthesisFailed),
	}}
	loop := New(claimer, fixedAreas{1, 2, 3}, Config{Concurrency: 3}, nil)

	report := loop.Tick(context.Background())
	assert.Equal(t, 3, report.Areas)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []int64{1, 2, 3}, claimer.seen)
}

type emptyAreas []int64

func (f emptyAreas) Areas() []int64 { return f }
func (f emptyAreas) Broadcast(areaID int64, p calls.Payload) int { return 0 }

func TestLoop_ReleasesAnnouncementNobodyReceived(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.createCall(t, "MARIA SILVA")

	// Areas() still lists the area but its last panel is gone.
	loop := New(e.svc, emptyAreas{e.area.ID}, Config{}, nil)
	report := loop.Tick(ctx)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 0, report.Delivered)

	anns := e.repo.Announcements()
	require.Len(t, anns, 1)
	assert.Equal(t, calls.AnnouncementDone, anns[0].Status, "nothing may stay playing without a listener")
	got, ok := e.repo.Call(c.ID)
	require.True(t, ok)
	assert.Equal(t, calls.StatusWaiting, got.Status)

	sub, unregister := e.reg.Register(e.area.ID)
	defer unregister()
	e.loop.Tick(ctx)
	next := drain(sub)
	require.Len(t, next, 1, "the area is free for the next panel")
	assert.Equal(t, c.ID, next[0].CallID)
	assert.Equal(t, 2, next[0].Attempt)
}

func TestLoop_RunStopsWithContext(t *testing.T) {
	e := newEnv(t)
	sub, unregister := e.reg.Register(e.area.ID)
	defer unregister()
	e.createCall(t, "MARIA SILVA")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.loop.Run(ctx)
		close(stopped)
	}()

	select {
	case p := <-sub.Events():
		assert.Equal(t, "MARIA SILVA", p.PatientName)
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement dispatched by the running loop")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
