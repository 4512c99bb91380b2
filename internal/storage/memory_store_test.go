package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/models"
)

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.AddUser(models.User{ID: "u1", Username: "alice", Firstname: "Alice", Lastname: "Smith", AccessToken: "app-token"})
	s.AddChairModel(models.ChairModel{Name: "basic", Speed: 2})
	s.AddChair(models.Chair{ID: "c1", Name: "one", Model: "basic", IsActive: true, AccessToken: "chair-token"})
	s.AddChair(models.Chair{ID: "c2", Name: "two", Model: "basic", IsActive: true})
	return s
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		r := &models.Ride{ID: "r1", UserID: "u1", LatestStatus: models.StatusMatching}
		if err := tx.CreateRide(ctx, r); err != nil {
			return err
		}
		if _, err := tx.AppendTransition(ctx, "r1", models.StatusMatching); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.GetRide(ctx, "r1"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("ride must be rolled back, got %v", err)
		}
		trs := tx.(*memTx).transitions("r1")
		if len(trs) != 0 {
			t.Fatalf("transitions must be rolled back, got %d", len(trs))
		}
		return nil
	})
}

func TestAppendTransitionUpdatesLatestStatus(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateRide(ctx, &models.Ride{ID: "r1", UserID: "u1", LatestStatus: models.StatusMatching}); err != nil {
			return err
		}
		for _, st := range []models.RideStatus{models.StatusMatching, models.StatusEnroute} {
			if _, err := tx.AppendTransition(ctx, "r1", st); err != nil {
				return err
			}
		}
		r, err := tx.GetRide(ctx, "r1")
		if err != nil {
			return err
		}
		if r.LatestStatus != models.StatusEnroute {
			t.Fatalf("expected ENROUTE, got %s", r.LatestStatus)
		}
		trs := tx.(*memTx).transitions("r1")
		if len(trs) != 2 || !trs[0].CreatedAt.Before(trs[1].CreatedAt) {
			t.Fatalf("transitions must be strictly ordered: %+v", trs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeliveryIsPerAudience(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		_ = tx.CreateRide(ctx, &models.Ride{ID: "r1", UserID: "u1", LatestStatus: models.StatusMatching})
		tr, _ := tx.AppendTransition(ctx, "r1", models.StatusMatching)

		if err := tx.MarkDelivered(ctx, tr.ID, models.AudienceRider); err != nil {
			t.Fatal(err)
		}
		if got, _ := tx.OldestUndelivered(ctx, "r1", models.AudienceRider); got != nil {
			t.Fatalf("rider side already delivered, got %+v", got)
		}
		got, _ := tx.OldestUndelivered(ctx, "r1", models.AudienceChair)
		if got == nil || got.ID != tr.ID {
			t.Fatalf("chair side must still see the transition, got %+v", got)
		}
		return nil
	})
}

func TestAvailableChairsExcludesBusyAndUnlocated(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		all, _ := tx.AvailableChairs(ctx)
		if len(all) != 0 {
			t.Fatalf("chairs without a location are not available, got %d", len(all))
		}
		_, _ = tx.RecordLocation(ctx, "c1", models.Coord{Latitude: 0, Longitude: 0})
		_, _ = tx.RecordLocation(ctx, "c2", models.Coord{Latitude: 1, Longitude: 1})
		_ = tx.CreateRide(ctx, &models.Ride{ID: "r1", UserID: "u1", LatestStatus: models.StatusMatching})
		if ok, err := tx.AssignChair(ctx, "r1", "c1"); !ok || err != nil {
			t.Fatalf("assign failed: %v %v", ok, err)
		}
		if ok, _ := tx.AssignChair(ctx, "r1", "c2"); ok {
			t.Fatal("a ride must never be reassigned")
		}
		avail, _ := tx.AvailableChairs(ctx)
		if len(avail) != 1 || avail[0].ID != "c2" || avail[0].Speed != 2 {
			t.Fatalf("expected only c2, got %+v", avail)
		}
		return nil
	})
}

func TestRecordLocationAccumulatesDistance(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		for _, c := range []models.Coord{{Latitude: 0, Longitude: 0}, {Latitude: 3, Longitude: 4}, {Latitude: 1, Longitude: 4}} {
			if _, err := tx.RecordLocation(ctx, "c1", c); err != nil {
				t.Fatal(err)
			}
		}
		c, _ := tx.GetChair(ctx, "c1")
		if c.TotalDistance != 9 {
			t.Fatalf("expected 9, got %d", c.TotalDistance)
		}
		return nil
	})
}

func TestBindCouponOnlyOnce(t *testing.T) {
	s := seededStore()
	s.AddCoupon(models.Coupon{ID: "cp1", UserID: "u1", Code: models.CouponNewSignup, Discount: 3000})
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		if ok, _ := tx.BindCoupon(ctx, "cp1", "r1"); !ok {
			t.Fatal("first bind must succeed")
		}
		if ok, _ := tx.BindCoupon(ctx, "cp1", "r2"); ok {
			t.Fatal("second bind must fail")
		}
		c, _ := tx.CouponForRide(ctx, "r1")
		if c == nil || c.ID != "cp1" {
			t.Fatalf("expected cp1 bound to r1, got %+v", c)
		}
		unused, _ := tx.UnusedCoupons(ctx, "u1")
		if len(unused) != 0 {
			t.Fatalf("expected no unused coupons, got %d", len(unused))
		}
		return nil
	})
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }
	a, b := s.now(), s.now()
	if !b.After(a) {
		t.Fatalf("expected %v after %v", b, a)
	}
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.InTx(ctx, func(Tx) error { called = true; return nil })
	if !errors.Is(err, apperr.ErrStorage) || called {
		t.Fatalf("expected storage error without running fn, got %v called=%v", err, called)
	}
}

func TestChairBusyUntilEveryTransitionDelivered(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		_, _ = tx.RecordLocation(ctx, "c1", models.Coord{})
		_ = tx.CreateRide(ctx, &models.Ride{ID: "r1", UserID: "u1", LatestStatus: models.StatusMatching})
		_, _ = tx.AssignChair(ctx, "r1", "c1")
		var last *models.RideStatusTransition
		for _, st := range models.StatusSequence {
			tr, err := tx.AppendTransition(ctx, "r1", st)
			if err != nil {
				t.Fatal(err)
			}
			last = tr
			if st == models.StatusCompleted {
				break
			}
			if err := tx.MarkDelivered(ctx, tr.ID, models.AudienceChair); err != nil {
				t.Fatal(err)
			}
		}
		for _, c := range mustAvailable(t, tx) {
			if c.ID == "c1" {
				t.Fatal("chair must stay busy until COMPLETED is delivered to it")
			}
		}
		_ = tx.MarkDelivered(ctx, last.ID, models.AudienceRider)
		if avail := mustAvailable(t, tx); len(avail) != 0 {
			t.Fatalf("rider-side delivery must not free the chair, got %+v", avail)
		}
		_ = tx.MarkDelivered(ctx, last.ID, models.AudienceChair)
		if avail := mustAvailable(t, tx); len(avail) != 1 || avail[0].ID != "c1" {
			t.Fatalf("expected c1 available, got %+v", avail)
		}
		return nil
	})
}

func mustAvailable(t *testing.T, tx Tx) []models.AvailableChair {
	t.Helper()
	avail, err := tx.AvailableChairs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return avail
}

func TestCompletedRidesByChair(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		for i, id := range []string{"r1", "r2", "r3"} {
			_ = tx.CreateRide(ctx, &models.Ride{ID: id, UserID: "u1", LatestStatus: models.StatusMatching})
			_, _ = tx.AssignChair(ctx, id, "c1")
			if id == "r3" {
				break
			}
			_ = tx.SetEvaluation(ctx, id, 2+i*3)
			_, _ = tx.AppendTransition(ctx, id, models.StatusCompleted)
		}
		n, _ := tx.CompletedRideCount(ctx, "c1")
		rides, _ := tx.CompletedRidesByChair(ctx, "c1")
		if n != 2 || len(rides) != 2 || rides[0].ID != "r1" {
			t.Fatalf("expected r1 and r2, got n=%d %+v", n, rides)
		}
		if st, _ := tx.ChairStats(ctx, "c1"); st.TotalRidesCount != 2 || st.TotalEvaluationAvg != 3.5 {
			t.Fatalf("unexpected stats %+v", st)
		}
		return nil
	})
}
