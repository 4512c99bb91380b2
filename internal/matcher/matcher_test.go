package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/storage"
)

func TestAssignPicksLowestETA(t *testing.T) {
	rides := []models.Ride{{ID: "R1", Pickup: models.Coord{}, Destination: models.Coord{Latitude: 10}}}
	chairs := []models.AvailableChair{
		{ID: "C1", Location: models.Coord{}, Speed: 1},
		{ID: "C2", Location: models.Coord{Latitude: 5}, Speed: 5},
	}
	got := Assign(rides, chairs)
	if len(got) != 1 || got[0].ChairID != "C2" || got[0].ETA != 3 {
		t.Fatalf("expected C2 with ETA 3, got %+v", got)
	}
}

func TestAssignTieGoesToFirstChair(t *testing.T) {
	rides := []models.Ride{{ID: "R1", Destination: models.Coord{Latitude: 4}}}
	chairs := []models.AvailableChair{
		{ID: "A", Location: models.Coord{Latitude: 2}, Speed: 2},
		{ID: "B", Location: models.Coord{Latitude: -2}, Speed: 2},
	}
	if got := Assign(rides, chairs); got[0].ChairID != "A" {
		t.Fatalf("expected A, got %+v", got)
	}
}

func TestAssignClaimsChairOncePerBatch(t *testing.T) {
	rides := []models.Ride{{ID: "R1"}, {ID: "R2"}}
	chairs := []models.AvailableChair{{ID: "C1", Speed: 1}}
	got := Assign(rides, chairs)
	if len(got) != 1 || got[0].RideID != "R1" {
		t.Fatalf("only the older ride may be matched, got %+v", got)
	}
}

func TestAssignStopsAtFirstUnservedRide(t *testing.T) {
	rides := []models.Ride{{ID: "R1"}, {ID: "R2"}, {ID: "R3"}}
	chairs := []models.AvailableChair{{ID: "C1", Speed: 1}, {ID: "C2", Speed: 1}}
	got := Assign(rides, chairs)
	if len(got) != 2 || got[0].ChairID != "C1" || got[1].ChairID != "C2" {
		t.Fatalf("unexpected assignments %+v", got)
	}
	if got := Assign(rides, nil); len(got) != 0 {
		t.Fatalf("no chairs means no assignments, got %+v", got)
	}
}

func newStore() *storage.MemoryStore {
	st := storage.NewMemoryStore()
	st.AddUser(models.User{ID: "u1"})
	st.AddUser(models.User{ID: "u2"})
	st.AddChairModel(models.ChairModel{Name: "basic", Speed: 1})
	return st
}

func addRide(t *testing.T, st storage.Store, id, user string) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateRide(ctx, &models.Ride{ID: id, UserID: user, LatestStatus: models.StatusMatching}); err != nil {
			return err
		}
		_, err := tx.AppendTransition(ctx, id, models.StatusMatching)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func addLocatedChair(t *testing.T, st *storage.MemoryStore, id string) {
	t.Helper()
	st.AddChair(models.Chair{ID: id, Model: "basic", IsActive: true})
	ctx := context.Background()
	err := st.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.RecordLocation(ctx, id, models.Coord{})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func chairOf(t *testing.T, st storage.Store, rideID string) *string {
	t.Helper()
	ctx := context.Background()
	var chair *string
	_ = st.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			t.Fatal(err)
		}
		chair = r.ChairID
		return nil
	})
	return chair
}

func TestRunBatchMatchesOldestRideOnly(t *testing.T) {
	st := newStore()
	addRide(t, st, "r1", "u1")
	addRide(t, st, "r2", "u2")
	addLocatedChair(t, st, "c1")

	svc := NewService(st, nil, nil)
	res, err := svc.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Assignments) != 1 || res.Unmatched != 2 || res.Available != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if c := chairOf(t, st, "r1"); c == nil || *c != "c1" {
		t.Fatalf("r1 must get c1, got %v", c)
	}
	if c := chairOf(t, st, "r2"); c != nil {
		t.Fatalf("r2 must stay unmatched, got %v", *c)
	}

	// c1 now has a ride in progress, so a second batch changes nothing.
	res, err = svc.RunBatch(context.Background())
	if err != nil || len(res.Assignments) != 0 {
		t.Fatalf("expected no assignments, got %+v %v", res, err)
	}
}

func TestRunBatchLeavesStatusMatching(t *testing.T) {
	st := newStore()
	addRide(t, st, "r1", "u1")
	addLocatedChair(t, st, "c1")
	if _, err := NewService(st, nil, nil).RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = st.InTx(ctx, func(tx storage.Tx) error {
		r, _ := tx.GetRide(ctx, "r1")
		if r.LatestStatus != models.StatusMatching || r.ChairID == nil {
			t.Fatalf("expected an assigned MATCHING ride, got %+v", r)
		}
		return nil
	})
	if trs := st.Transitions("r1"); len(trs) != 1 {
		t.Fatalf("assignment must not write a transition, got %d", len(trs))
	}
}

// failingStore fails AssignChair on the nth call of a transaction.
type failingStore struct {
	*storage.MemoryStore
	failOn int
}

type failingTx struct {
	storage.Tx
	calls  *int
	failOn int
}

func (f *failingTx) AssignChair(ctx context.Context, rideID, chairID string) (bool, error) {
	*f.calls++
	if *f.calls == f.failOn {
		return false, errors.New("connection lost")
	}
	return f.Tx.AssignChair(ctx, rideID, chairID)
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	calls := 0
	return f.MemoryStore.InTx(ctx, func(tx storage.Tx) error {
		return fn(&failingTx{Tx: tx, calls: &calls, failOn: f.failOn})
	})
}

func TestRunBatchRollsBackOnError(t *testing.T) {
	mem := newStore()
	addRide(t, mem, "r1", "u1")
	addRide(t, mem, "r2", "u2")
	addLocatedChair(t, mem, "c1")
	addLocatedChair(t, mem, "c2")

	svc := NewService(&failingStore{MemoryStore: mem, failOn: 2}, nil, nil)
	if _, err := svc.RunBatch(context.Background()); err == nil {
		t.Fatal("expected batch error")
	}
	if c := chairOf(t, mem, "r1"); c != nil {
		t.Fatalf("first assignment must be rolled back, got %v", *c)
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	unlocked int
}

func (l *fakeLocker) TryLock(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.unlocked++
		l.mu.Unlock()
	}, true, nil
}

func TestRunBatchRespectsLocker(t *testing.T) {
	st := newStore()
	addRide(t, st, "r1", "u1")
	addLocatedChair(t, st, "c1")
	lock := &fakeLocker{held: true}
	svc := NewService(st, lock, nil)

	if _, err := svc.RunBatch(context.Background()); !errors.Is(err, ErrBatchRunning) {
		t.Fatalf("expected ErrBatchRunning, got %v", err)
	}
	lock.held = false
	if _, err := svc.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if lock.unlocked != 1 {
		t.Fatalf("lock must be released once, got %d", lock.unlocked)
	}
}

func TestRunBatchNeverOverlaps(t *testing.T) {
	st := newStore()
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		user := "u" + id
		st.AddUser(models.User{ID: user})
		addRide(t, st, id, user)
	}
	for _, id := range []string{"c1", "c2"} {
		addLocatedChair(t, st, id)
	}
	svc := NewService(st, &fakeLocker{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RunBatch(context.Background())
		}()
	}
	wg.Wait()

	used := map[string]string{}
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		c := chairOf(t, st, id)
		if c == nil {
			continue
		}
		if prev, ok := used[*c]; ok {
			t.Fatalf("chair %s assigned to both %s and %s", *c, prev, id)
		}
		used[*c] = id
	}
	if len(used) != 2 {
		t.Fatalf("expected both chairs used, got %v", used)
	}
}

func TestRunSchedulerStopsWithContext(t *testing.T) {
	st := newStore()
	addRide(t, st, "r1", "u1")
	addLocatedChair(t, st, "c1")
	svc := NewService(st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunScheduler(ctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for chairOf(t, st, "r1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never matched the ride")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
