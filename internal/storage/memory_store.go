package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/geo"
	"github.com/example/chair-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Transactions are fully serialized
// and roll back by restoring a snapshot taken at begin, which is enough to
// honour every locking guarantee of the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	data  *memData
	clock func() time.Time
	last  time.Time
}

type memData struct {
	users       []models.User
	tokens      map[string]models.PaymentToken
	chairs      []models.Chair
	chairModels map[string]models.ChairModel
	locations   []models.ChairLocation
	rides       []models.Ride
	transitions []models.RideStatusTransition
	coupons     []models.Coupon
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			tokens:      make(map[string]models.PaymentToken),
			chairModels: make(map[string]models.ChairModel),
		},
		clock: time.Now,
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:       append([]models.User(nil), d.users...),
		tokens:      make(map[string]models.PaymentToken, len(d.tokens)),
		chairs:      append([]models.Chair(nil), d.chairs...),
		chairModels: make(map[string]models.ChairModel, len(d.chairModels)),
		locations:   append([]models.ChairLocation(nil), d.locations...),
		rides:       append([]models.Ride(nil), d.rides...),
		transitions: append([]models.RideStatusTransition(nil), d.transitions...),
		coupons:     append([]models.Coupon(nil), d.coupons...),
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	for k, v := range d.chairModels {
		c.chairModels[k] = v
	}
	return c
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Storage("begin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memTx{m: m, d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.data = snapshot
		return apperr.Storage("commit", err)
	}
	return nil
}

// now is strictly increasing at microsecond resolution, like the
// transition timestamps Postgres hands out.
func (m *MemoryStore) now() time.Time {
	t := m.clock().UTC().Truncate(time.Microsecond)
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// Seeding helpers. Accounts, chairs and coupons are registered outside the
// dispatch engine.

func (m *MemoryStore) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.data.users = append(m.data.users, u)
}

func (m *MemoryStore) AddPaymentToken(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.tokens[userID] = models.PaymentToken{UserID: userID, Token: token, CreatedAt: m.now()}
}

func (m *MemoryStore) AddChairModel(cm models.ChairModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.chairModels[cm.Name] = cm
}

func (m *MemoryStore) AddChair(c models.Chair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.data.chairs = append(m.data.chairs, c)
}

func (m *MemoryStore) AddCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.data.coupons = append(m.data.coupons, c)
}

// Transitions returns a copy of the ride's transition log, for inspection.
func (m *MemoryStore) Transitions(rideID string) []models.RideStatusTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{m: m, d: m.data}).transitions(rideID)
}

// Coupons returns a copy of every coupon of the rider, for inspection.
func (m *MemoryStore) Coupons(userID string) []models.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Coupon
	for _, c := range m.data.coupons {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

type memTx struct {
	m *MemoryStore
	d *memData
}

func (t *memTx) rideIndex(id string) int {
	for i := range t.d.rides {
		if t.d.rides[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) chairIndex(id string) int {
	for i := range t.d.chairs {
		if t.d.chairs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) CreateRide(_ context.Context, r *models.Ride) error {
	if t.rideIndex(r.ID) >= 0 {
		return apperr.Storage("create ride", apperr.Conflict("ride %s already exists", r.ID))
	}
	now := t.m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	t.d.rides = append(t.d.rides, *r)
	return nil
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	i := t.rideIndex(id)
	if i < 0 {
		return nil, apperr.NotFound("ride not found")
	}
	r := t.d.rides[i]
	return &r, nil
}

func (t *memTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	return t.GetRide(ctx, id)
}

func (t *memTx) RidesByUser(_ context.Context, userID string) ([]models.Ride, error) {
	var out []models.Ride
	for _, r := range t.d.rides {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) LatestRideByUser(ctx context.Context, userID string) (*models.Ride, error) {
	rides, _ := t.RidesByUser(ctx, userID)
	if len(rides) == 0 {
		return nil, nil
	}
	r := rides[len(rides)-1]
	return &r, nil
}

func (t *memTx) LatestRideByChair(_ context.Context, chairID string) (*models.Ride, error) {
	var latest *models.Ride
	for i := range t.d.rides {
		r := t.d.rides[i]
		if !r.AssignedTo(chairID) {
			continue
		}
		if latest == nil || !r.UpdatedAt.Before(latest.UpdatedAt) {
			latest = &r
		}
	}
	return latest, nil
}

func (t *memTx) LockActiveRideByChair(_ context.Context, chairID string) (*models.Ride, error) {
	var active *models.Ride
	for i := range t.d.rides {
		r := t.d.rides[i]
		if r.AssignedTo(chairID) && !r.LatestStatus.Terminal() {
			if active == nil || r.UpdatedAt.After(active.UpdatedAt) {
				active = &r
			}
		}
	}
	return active, nil
}

func (t *memTx) UnmatchedRides(_ context.Context) ([]models.Ride, error) {
	var out []models.Ride
	for _, r := range t.d.rides {
		if r.ChairID == nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) AssignChair(_ context.Context, rideID, chairID string) (bool, error) {
	i := t.rideIndex(rideID)
	if i < 0 {
		return false, apperr.NotFound("ride not found")
	}
	if t.d.rides[i].ChairID != nil {
		return false, nil
	}
	id := chairID
	t.d.rides[i].ChairID = &id
	t.d.rides[i].UpdatedAt = t.m.now()
	return true, nil
}

func (t *memTx) SetEvaluation(_ context.Context, rideID string, evaluation int) error {
	i := t.rideIndex(rideID)
	if i < 0 {
		return apperr.NotFound("ride not found")
	}
	v := evaluation
	t.d.rides[i].Evaluation = &v
	t.d.rides[i].UpdatedAt = t.m.now()
	return nil
}

func (t *memTx) AppendTransition(_ context.Context, rideID string, status models.RideStatus) (*models.RideStatusTransition, error) {
	i := t.rideIndex(rideID)
	if i < 0 {
		return nil, apperr.NotFound("ride not found")
	}
	tr := models.RideStatusTransition{
		ID:        uuid.NewString(),
		RideID:    rideID,
		Status:    status,
		CreatedAt: t.m.now(),
	}
	t.d.transitions = append(t.d.transitions, tr)
	t.d.rides[i].LatestStatus = status
	t.d.rides[i].UpdatedAt = tr.CreatedAt
	return &tr, nil
}

func (t *memTx) transitions(rideID string) []models.RideStatusTransition {
	var out []models.RideStatusTransition
	for _, tr := range t.d.transitions {
		if tr.RideID == rideID {
			out = append(out, tr)
		}
	}
	return out
}

func (t *memTx) LockChannel(context.Context, string, models.Audience) error { return nil }

func (t *memTx) OldestUndelivered(_ context.Context, rideID string, audience models.Audience) (*models.RideStatusTransition, error) {
	for _, tr := range t.d.transitions {
		if tr.RideID != rideID {
			continue
		}
		if sentAt(&tr, audience) == nil {
			out := tr
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memTx) MarkDelivered(_ context.Context, transitionID string, audience models.Audience) error {
	for i := range t.d.transitions {
		tr := &t.d.transitions[i]
		if tr.ID != transitionID {
			continue
		}
		if sentAt(tr, audience) != nil {
			return nil
		}
		now := t.m.now()
		if audience == models.AudienceChair {
			tr.ChairSentAt = &now
		} else {
			tr.AppSentAt = &now
		}
		return nil
	}
	return apperr.NotFound("transition not found")
}

func sentAt(tr *models.RideStatusTransition, audience models.Audience) *time.Time {
	if audience == models.AudienceChair {
		return tr.ChairSentAt
	}
	return tr.AppSentAt
}

func (t *memTx) GetChair(_ context.Context, id string) (*models.Chair, error) {
	i := t.chairIndex(id)
	if i < 0 {
		return nil, apperr.NotFound("chair not found")
	}
	c := t.d.chairs[i]
	return &c, nil
}

func (t *memTx) ChairByToken(_ context.Context, token string) (*models.Chair, error) {
	for _, c := range t.d.chairs {
		if token != "" && c.AccessToken == token {
			out := c
			return &out, nil
		}
	}
	return nil, apperr.NotFound("chair not found")
}

func (t *memTx) SetChairActive(_ context.Context, chairID string, active bool) error {
	i := t.chairIndex(chairID)
	if i < 0 {
		return apperr.NotFound("chair not found")
	}
	t.d.chairs[i].IsActive = active
	t.d.chairs[i].UpdatedAt = t.m.now()
	return nil
}

func (t *memTx) RecordLocation(_ context.Context, chairID string, c models.Coord) (*models.ChairLocation, error) {
	i := t.chairIndex(chairID)
	if i < 0 {
		return nil, apperr.NotFound("chair not found")
	}
	loc := models.ChairLocation{ID: uuid.NewString(), ChairID: chairID, Coord: c, CreatedAt: t.m.now()}
	t.d.locations = append(t.d.locations, loc)

	chair := &t.d.chairs[i]
	if chair.Location != nil {
		chair.TotalDistance += geo.Distance(*chair.Location, c)
	}
	at := c
	chair.Location = &at
	chair.UpdatedAt = loc.CreatedAt
	return &loc, nil
}

func (t *memTx) AvailableChairs(_ context.Context) ([]models.AvailableChair, error) {
	busy := make(map[string]bool)
	for _, r := range t.d.rides {
		if r.ChairID != nil && !r.LatestStatus.Terminal() {
			busy[*r.ChairID] = true
		}
	}
	// A chair stays busy until its channel has delivered every transition of
	// its rides, COMPLETED included.
	for _, tr := range t.d.transitions {
		if tr.ChairSentAt != nil {
			continue
		}
		if i := t.rideIndex(tr.RideID); i >= 0 && t.d.rides[i].ChairID != nil {
			busy[*t.d.rides[i].ChairID] = true
		}
	}
	var out []models.AvailableChair
	for _, c := range t.d.chairs {
		if !c.IsActive || c.Location == nil || busy[c.ID] {
			continue
		}
		cm, ok := t.d.chairModels[c.Model]
		if !ok {
			continue
		}
		out = append(out, models.AvailableChair{ID: c.ID, Name: c.Name, Model: c.Model, Location: *c.Location, Speed: cm.Speed})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ChairStats(ctx context.Context, chairID string) (models.ChairStats, error) {
	rides, _ := t.CompletedRidesByChair(ctx, chairID)
	return models.StatsOf(rides), nil
}

func (t *memTx) CompletedRideCount(ctx context.Context, chairID string) (int, error) {
	rides, _ := t.CompletedRidesByChair(ctx, chairID)
	return len(rides), nil
}

func (t *memTx) CompletedRidesByChair(_ context.Context, chairID string) ([]models.Ride, error) {
	var out []models.Ride
	for _, r := range t.d.rides {
		if r.AssignedTo(chairID) && r.LatestStatus == models.StatusCompleted {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) unusedCoupons(userID string) []models.Coupon {
	var out []models.Coupon
	for _, c := range t.d.coupons {
		if c.UserID == userID && c.UsedBy == nil {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *memTx) LockUnusedCoupons(_ context.Context, userID string) ([]models.Coupon, error) {
	return t.unusedCoupons(userID), nil
}

func (t *memTx) UnusedCoupons(_ context.Context, userID string) ([]models.Coupon, error) {
	return t.unusedCoupons(userID), nil
}

func (t *memTx) BindCoupon(_ context.Context, couponID, rideID string) (bool, error) {
	for i := range t.d.coupons {
		c := &t.d.coupons[i]
		if c.ID != couponID {
			continue
		}
		if c.UsedBy != nil {
			return false, nil
		}
		id := rideID
		c.UsedBy = &id
		return true, nil
	}
	return false, apperr.NotFound("coupon not found")
}

func (t *memTx) CouponForRide(_ context.Context, rideID string) (*models.Coupon, error) {
	for _, c := range t.d.coupons {
		if c.UsedBy != nil && *c.UsedBy == rideID {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*models.User, error) {
	for _, u := range t.d.users {
		if u.ID == id {
			out := u
			return &out, nil
		}
	}
	return nil, apperr.NotFound("user not found")
}

func (t *memTx) LockUser(ctx context.Context, id string) (*models.User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) UserByToken(_ context.Context, token string) (*models.User, error) {
	for _, u := range t.d.users {
		if token != "" && u.AccessToken == token {
			out := u
			return &out, nil
		}
	}
	return nil, apperr.NotFound("user not found")
}

func (t *memTx) PaymentToken(_ context.Context, userID string) (string, error) {
	pt, ok := t.d.tokens[userID]
	if !ok {
		return "", apperr.NotFound("payment token not registered")
	}
	return pt.Token, nil
}

func (t *memTx) Now(context.Context) (time.Time, error) {
	return t.m.now(), nil
}
