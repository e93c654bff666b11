package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Store useful for tests and local runs.
// Transactions are serialized by a single mutex; a failed transaction
// restores the state it started from. It is not intended for production use.
type MemoryRepo struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	areas   map[int64]Area
	sectors map[int64]Sector
	calls   map[int64]Call
	anns    map[int64]Announcement
	nextID  int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{state: memState{
		areas:   map[int64]Area{},
		sectors: map[int64]Sector{},
		calls:   map[int64]Call{},
		anns:    map[int64]Announcement{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		areas:   make(map[int64]Area, len(s.areas)),
		sectors: make(map[int64]Sector, len(s.sectors)),
		calls:   make(map[int64]Call, len(s.calls)),
		anns:    make(map[int64]Announcement, len(s.anns)),
		nextID:  s.nextID,
	}
	for k, v := range s.areas {
		out.areas[k] = v
	}
	for k, v := range s.sectors {
		out.sectors[k] = v
	}
	for k, v := range s.calls {
		out.calls[k] = v
	}
	for k, v := range s.anns {
		out.anns[k] = v
	}
	return out
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// AddArea seeds an area.
func (r *MemoryRepo) AddArea(name string) Area {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := Area{ID: r.state.id(), Name: name}
	r.state.areas[a.ID] = a
	return a
}

// AddSector seeds a sector, optionally inside an area.
func (r *MemoryRepo) AddSector(name string, areaID *int64) Sector {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Sector{ID: r.state.id(), Name: name, AreaID: areaID}
	r.state.sectors[s.ID] = s
	return s
}

// Call returns a copy of the stored call.
func (r *MemoryRepo) Call(id int64) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.state.calls[id]
	if ok {
		c.SectorName = r.state.sectors[c.SectorID].Name
	}
	return c, ok
}

// Announcements returns all announcements ordered by id.
func (r *MemoryRepo) Announcements() []Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Announcement, 0, len(r.state.anns))
	for _, a := range r.state.anns {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetCall overwrites a stored call. Tests use it to age deadlines.
func (r *MemoryRepo) SetCall(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.calls[c.ID] = c
}

func (r *MemoryRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	defer func() {
		if p := recover(); p != nil {
			r.state = snapshot
			panic(p)
		}
		if err != nil {
			r.state = snapshot
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memTx{s: &r.state})
}

func (r *MemoryRepo) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepo) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state.filterCalls(func(Call) bool { return true })
	// Most recent first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) LastCalling(ctx context.Context, sectorID int64) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  Call
		found bool
	)
	for _, c := range r.state.filterCalls(func(c Call) bool {
		return c.SectorID == sectorID && c.Status == StatusCalling
	}) {
		if !found || laterCall(c, best) {
			best, found = c, true
		}
	}
	if !found {
		return Call{}, ErrNotFound
	}
	return best, nil
}

func laterCall(a, b Call) bool {
	switch {
	case a.LastCalledAt == nil:
		return false
	case b.LastCalledAt == nil:
		return true
	case a.LastCalledAt.Equal(*b.LastCalledAt):
		return a.ID > b.ID
	}
	return a.LastCalledAt.After(*b.LastCalledAt)
}

func (r *MemoryRepo) Waiting(ctx context.Context, sectorID int64) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.filterCalls(func(c Call) bool {
		return c.SectorID == sectorID && c.Status == StatusWaiting
	}), nil
}

func (r *MemoryRepo) SectorCalls(ctx context.Context, sectorID int64) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.filterCalls(func(c Call) bool { return c.SectorID == sectorID }), nil
}

func (r *MemoryRepo) Directory(ctx context.Context) ([]Area, []Sector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	areas := make([]Area, 0, len(r.state.areas))
	for _, a := range r.state.areas {
		areas = append(areas, a)
	}
	sort.Slice(areas, func(i, j int) bool {
		if areas[i].Name == areas[j].Name {
			return areas[i].ID < areas[j].ID
		}
		return areas[i].Name < areas[j].Name
	})
	sectors := make([]Sector, 0, len(r.state.sectors))
	for _, s := range r.state.sectors {
		sectors = append(sectors, s)
	}
	sort.Slice(sectors, func(i, j int) bool {
		if sectors[i].Name == sectors[j].Name {
			return sectors[i].ID < sectors[j].ID
		}
		return sectors[i].Name < sectors[j].Name
	})
	return areas, sectors, nil
}

func (r *MemoryRepo) StalePlaying(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, a := range r.state.anns {
		if a.Status == AnnouncementPlaying && a.CreatedAt.Before(startedBefore) {
			ids = append(ids, a.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// filterCalls returns matching calls oldest first, with sector names filled.
func (s *memState) filterCalls(keep func(Call) bool) []Call {
	out := []Call{}
	for _, c := range s.calls {
		if keep(c) {
			c.SectorName = s.sectors[c.SectorID].Name
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memState) inScope(c Call, scope Scope) bool {
	if scope.Kind == ScopeSector {
		return c.SectorID == scope.ID
	}
	sec, ok := s.sectors[c.SectorID]
	return ok && sec.AreaID != nil && *sec.AreaID == scope.ID
}

type memTx struct {
	s *memState
}

func (t *memTx) LockScope(ctx context.Context, scope Scope) error {
	switch scope.Kind {
	case ScopeArea:
		if _, ok := t.s.areas[scope.ID]; !ok {
			return ErrNotFound
		}
		return nil
	case ScopeSector:
		if _, ok := t.s.sectors[scope.ID]; !ok {
			return ErrNotFound
		}
		return nil
	}
	return ErrInvalidArgument
}

func (t *memTx) AnyPlaying(ctx context.Context, scope Scope) (bool, error) {
	for _, a := range t.s.anns {
		if a.Status != AnnouncementPlaying {
			continue
		}
		if c, ok := t.s.calls[a.CallID]; ok && t.s.inScope(c, scope) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) NextEligible(ctx context.Context, scope Scope, maxAttempts int, now time.Time) (Candidate, bool, error) {
	calls := t.s.filterCalls(func(c Call) bool {
		return t.s.inScope(c, scope) &&
			c.Status == StatusWaiting &&
			c.Attempts < maxAttempts &&
			(c.ExpiresAt == nil || c.ExpiresAt.After(now))
	})
	if len(calls) == 0 {
		return Candidate{}, false, nil
	}
	return Candidate{Call: calls[0], SectorName: calls[0].SectorName}, true, nil
}

func (t *memTx) UpdateCall(ctx context.Context, c Call) error {
	if _, ok := t.s.calls[c.ID]; !ok {
		return ErrNotFound
	}
	c.SectorName = ""
	t.s.calls[c.ID] = c
	return nil
}

func (t *memTx) LockCall(ctx context.Context, id int64) (Call, error) {
	c, ok := t.s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	c.SectorName = t.s.sectors[c.SectorID].Name
	return c, nil
}

func (t *memTx) InsertCall(ctx context.Context, c Call) (Call, error) {
	if _, ok := t.s.sectors[c.SectorID]; !ok {
		return Call{}, ErrNotFound
	}
	c.ID = t.s.id()
	stored := c
	stored.SectorName = ""
	t.s.calls[c.ID] = stored
	return c, nil
}

func (t *memTx) InsertAnnouncement(ctx context.Context, a Announcement) (Announcement, error) {
	if _, ok := t.s.calls[a.CallID]; !ok {
		return Announcement{}, ErrNotFound
	}
	a.ID = t.s.id()
	t.s.anns[a.ID] = a
	return a, nil
}

func (t *memTx) LockAnnouncement(ctx context.Context, id int64) (Announcement, error) {
	a, ok := t.s.anns[id]
	if !ok {
		return Announcement{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) UpdateAnnouncement(ctx context.Context, a Announcement) error {
	if _, ok := t.s.anns[a.ID]; !ok {
		return ErrNotFound
	}
	t.s.anns[a.ID] = a
	return nil
}

func (t *memTx) GetSector(ctx context.Context, id int64) (Sector, error) {
	s, ok := t.s.sectors[id]
	if !ok {
		return Sector{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) UpsertSector(ctx context.Context, name string, areaID *int64) (Sector, error) {
	if areaID != nil {
		if _, ok := t.s.areas[*areaID]; !ok {
			return Sector{}, ErrNotFound
		}
	}
	for id, s := range t.s.sectors {
		if s.Name == name {
			if areaID != nil {
				s.AreaID = areaID
				t.s.sectors[id] = s
			}
			return s, nil
		}
	}
	s := Sector{ID: t.s.id(), Name: name, AreaID: areaID}
	t.s.sectors[s.ID] = s
	return s, nil
}
