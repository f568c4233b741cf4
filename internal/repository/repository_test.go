package repository

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/remote"
	"kids-checkin-backend/internal/remote/remotetest"
	"kids-checkin-backend/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *Repository
	store  *store.MemoryStore
	server *remotetest.Fake
	clock  *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	st := store.NewMemoryStore()
	server := remotetest.New(clk.Now)
	logger := zerolog.New(io.Discard)
	return &fixture{
		repo:   New(st, server, clk, &logger),
		store:  st,
		server: server,
		clock:  clk,
	}
}

func childAged(id string, years int) *model.Child {
	return &model.Child{
		ID:          id,
		GuardianID:  "g-1",
		FirstName:   "Kid",
		LastName:    id,
		DateOfBirth: epoch.AddDate(-years, 0, -1),
		Status:      model.ChildCheckedOut,
	}
}

func service(id string, capacity int) *model.Service {
	return &model.Service{
		ID:                  id,
		Name:                "Room " + id,
		MinAge:              3,
		MaxAge:              6,
		MaxCapacity:         capacity,
		IsAcceptingCheckIns: true,
	}
}

// seed puts the entities on the server and in the local cache.
func (f *fixture) seed(t *testing.T, entities ...model.Entity) {
	t.Helper()
	for _, e := range entities {
		switch v := e.(type) {
		case *model.Child:
			f.server.PutChild(v)
		case *model.Service:
			f.server.PutService(v)
		}
		require.NoError(t, f.store.Put(context.Background(), e))
	}
}

func (f *fixture) cachedService(t *testing.T, id string) *model.Service {
	t.Helper()
	s, err := f.repo.CachedService(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) cachedChild(t *testing.T, id string) *model.Child {
	t.Helper()
	c, err := f.repo.CachedChild(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestCheckInChild_Reconciled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))

	res, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "allergic to nuts")
	require.NoError(t, err)

	assert.Equal(t, OutcomeReconciled, res.Outcome)
	assert.Equal(t, model.ChildCheckedIn, res.Value.Child.Status)
	assert.Equal(t, "s-1", res.Value.Child.CurrentServiceID)
	assert.Equal(t, 1, res.Value.Service.CurrentCapacity)

	// The server's record replaced the optimistic one.
	open, err := f.repo.CachedCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, res.Value.Record.ID, open[0].ID)
	assert.Equal(t, "allergic to nuts", open[0].Notes)

	// Reconciliation is a full overwrite, capacity is not applied twice.
	assert.Equal(t, 1, f.cachedService(t, "s-1").CurrentCapacity)
	assert.Equal(t, 1, f.server.Service("s-1").CurrentCapacity)
}

func TestCheckInChild_CapacityExample(t *testing.T) {
	f := newFixture(t)
	svc := service("s-1", 2)
	svc.CurrentCapacity = 1
	f.seed(t, childAged("a", 4), childAged("b", 5), svc)

	res, err := f.repo.CheckInChild(context.Background(), "a", "s-1", "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value.Service.CurrentCapacity)

	_, err = f.repo.CheckInChild(context.Background(), "b", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, model.ErrAtCapacity)

	assert.Equal(t, model.ChildCheckedOut, f.cachedChild(t, "b").Status)
	assert.Equal(t, 2, f.cachedService(t, "s-1").CurrentCapacity)
	assert.Equal(t, 1, f.server.Calls("CheckIn"))
}

func TestCheckInChild_BusinessRulesMutateNothing(t *testing.T) {
	closed := service("closed", 5)
	closed.IsAcceptingCheckIns = false
	checkedIn := childAged("in", 4)
	checkedIn.Status = model.ChildCheckedIn
	checkedIn.CurrentServiceID = "s-1"

	testCases := []struct {
		name      string
		childID   string
		serviceID string
		expected  error
	}{
		{name: "already checked in", childID: "in", serviceID: "s-1", expected: model.ErrAlreadyCheckedIn},
		{name: "too young", childID: "young", serviceID: "s-1", expected: model.ErrNotEligible},
		{name: "too old", childID: "old", serviceID: "s-1", expected: model.ErrNotEligible},
		{name: "service closed", childID: "ok", serviceID: "closed", expected: model.ErrServiceClosed},
		{name: "service full", childID: "ok", serviceID: "full", expected: model.ErrAtCapacity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			full := service("full", 1)
			full.CurrentCapacity = 1
			f.seed(t, checkedIn, childAged("young", 2), childAged("old", 7), childAged("ok", 4),
				service("s-1", 5), closed, full)

			beforeChild := f.cachedChild(t, tc.childID)
			beforeService := f.cachedService(t, tc.serviceID)

			_, err := f.repo.CheckInChild(context.Background(), tc.childID, tc.serviceID, "staff-1", "")
			assert.ErrorIs(t, err, tc.expected)

			assert.Equal(t, beforeChild, f.cachedChild(t, tc.childID))
			assert.Equal(t, beforeService, f.cachedService(t, tc.serviceID))
			assert.Zero(t, f.server.Calls("CheckIn"))
		})
	}
}

func TestCheckInChild_AgeBoundsInclusive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("min", 3), childAged("max", 6), service("s-1", 5))

	_, err := f.repo.CheckInChild(context.Background(), "min", "s-1", "staff-1", "")
	require.NoError(t, err)
	_, err = f.repo.CheckInChild(context.Background(), "max", "s-1", "staff-1", "")
	require.NoError(t, err)
}

func TestCheckInChild_LocalOnlyWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	f.server.SetOffline(true)

	res, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalOnly, res.Outcome)

	assert.Equal(t, model.ChildCheckedIn, f.cachedChild(t, "c-1").Status)
	assert.Equal(t, 1, f.cachedService(t, "s-1").CurrentCapacity)
	open, err := f.repo.CachedCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// A second check-in is refused locally while still offline.
	_, err = f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedIn)
}

func TestCheckInChild_ServerRejectionRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	// The server knows the room is full even though the cache does not.
	full := service("s-1", 5)
	full.CurrentCapacity = 5
	f.server.PutService(full)

	_, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, model.ErrAtCapacity)

	assert.Equal(t, model.ChildCheckedOut, f.cachedChild(t, "c-1").Status)
	assert.Equal(t, 0, f.cachedService(t, "s-1").CurrentCapacity)
	open, err := f.repo.CachedCheckIns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCheckInChild_GenericFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	f.server.FailNext(errors.New("decode response: unexpected EOF"))

	_, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.Error(t, err)
	assert.False(t, model.IsBusiness(err))
	assert.Equal(t, model.ChildCheckedOut, f.cachedChild(t, "c-1").Status)
}

func TestCheckInChild_LoadsUncachedEntities(t *testing.T) {
	f := newFixture(t)
	f.server.PutChild(childAged("c-1", 4))
	f.server.PutService(service("s-1", 5))

	res, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, res.Outcome)

	_, err = f.repo.CheckInChild(context.Background(), "missing", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	f.server.SetOffline(true)
	_, err = f.repo.CheckInChild(context.Background(), "other", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestCheckInChild_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.CheckInChild(context.Background(), "", "s-1", "staff-1", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.repo.CheckInChild(context.Background(), "c-1", "s-1", "", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestCheckInChild_ConcurrentCapacity(t *testing.T) {
	f := newFixture(t)
	svc := service("s-1", 3)
	f.seed(t, svc)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		f.seed(t, childAged(id, 4))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, full := 0, 0
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.repo.CheckInChild(context.Background(), id, "s-1", "staff-1", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrAtCapacity):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 3, full)
	assert.Equal(t, 3, f.cachedService(t, "s-1").CurrentCapacity)
}

func TestCheckOutChild(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	in, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	res, err := f.repo.CheckOutChild(context.Background(), "c-1", "staff-2", "picked up by grandma")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, res.Outcome)
	assert.Equal(t, model.ChildCheckedOut, res.Value.Child.Status)
	assert.Empty(t, res.Value.Child.CurrentServiceID)
	assert.Equal(t, 0, res.Value.Service.CurrentCapacity)
	require.NotNil(t, res.Value.Record)
	assert.Equal(t, in.Value.Record.ID, res.Value.Record.ID)
	assert.Equal(t, model.RecordCheckedOut, res.Value.Record.Status)
	assert.Equal(t, "staff-2", res.Value.Record.CheckedOutBy)

	_, err = f.repo.CheckOutChild(context.Background(), "c-1", "staff-2", "")
	assert.ErrorIs(t, err, model.ErrNotCheckedIn)
}

func TestCheckOutChild_Offline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	_, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)

	f.server.SetOffline(true)
	res, err := f.repo.CheckOutChild(context.Background(), "c-1", "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalOnly, res.Outcome)
	assert.Equal(t, 0, f.cachedService(t, "s-1").CurrentCapacity)

	open, err := f.repo.CachedCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCheckOutChild_CapacityNeverNegative(t *testing.T) {
	f := newFixture(t)
	c := childAged("c-1", 4)
	c.Status = model.ChildCheckedIn
	c.CurrentServiceID = "s-1"
	f.seed(t, c, service("s-1", 5))
	f.server.SetOffline(true)

	res, err := f.repo.CheckOutChild(context.Background(), "c-1", "staff-1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Value.Service.CurrentCapacity)
	assert.Nil(t, res.Value.Record)
}

func TestReads_CacheThenServer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, service("s-1", 5))
	updated := service("s-1", 5)
	updated.Name = "Toddlers"
	f.server.PutService(updated)

	svc, err := f.repo.GetService(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Toddlers", svc.Name)
	assert.Equal(t, "Toddlers", f.cachedService(t, "s-1").Name)

	f.server.SetOffline(true)
	svc, err = f.repo.GetService(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Toddlers", svc.Name)

	_, err = f.repo.GetService(context.Background(), "s-2")
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	f.server.SetOffline(false)
	_, err = f.repo.GetService(context.Background(), "s-2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListCurrentCheckIns_MergesServerRoster(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("a", 4), childAged("b", 4), service("s-1", 5))
	_, err := f.repo.CheckInChild(context.Background(), "a", "s-1", "staff-1", "")
	require.NoError(t, err)

	// Checked in at another desk: only the server knows.
	_, err = f.server.CheckIn(context.Background(), "b", "s-1", "staff-9", "")
	require.NoError(t, err)

	roster, err := f.repo.ListCurrentCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, rosterChildren(roster))

	f.server.SetOffline(true)
	roster, err = f.repo.ListCurrentCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestListCurrentCheckIns_KeepsUnreportedRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("a", 4), service("s-1", 5))
	f.server.SetOffline(true)
	res, err := f.repo.CheckInChild(context.Background(), "a", "s-1", "staff-1", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeLocalOnly, res.Outcome)
	recordID := res.Value.Record.ID

	// The server never saw the check-in and reports an empty roster.
	f.server.SetOffline(false)
	roster, err := f.repo.ListCurrentCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rosterChildren(roster))

	rec, err := store.GetAs[*model.CheckInRecord](context.Background(), f.store, model.KindCheckInRecord, recordID)
	require.NoError(t, err)
	assert.True(t, rec.IsOpen())
	child := f.cachedChild(t, "a")
	assert.Equal(t, model.ChildCheckedIn, child.Status)
	assert.Equal(t, "s-1", child.CurrentServiceID)
}

func TestListCurrentCheckIns_EmptyRosterOffline(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("a", 4), service("s-1", 5))
	_, err := f.repo.CheckInChild(context.Background(), "a", "s-1", "staff-1", "")
	require.NoError(t, err)

	f.server.SetOffline(true)
	_, err = f.repo.CheckOutChild(context.Background(), "a", "staff-1", "")
	require.NoError(t, err)

	roster, err := f.repo.ListCurrentCheckIns(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func rosterChildren(records []*model.CheckInRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ChildID)
	}
	return ids
}

func TestListChildrenByGuardian(t *testing.T) {
	f := newFixture(t)
	f.server.PutChild(childAged("a", 4))
	f.server.PutChild(childAged("b", 5))
	other := childAged("c", 5)
	other.GuardianID = "g-2"
	f.server.PutChild(other)

	children, err := f.repo.ListChildrenByGuardian(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	f.server.SetOffline(true)
	children, err = f.repo.ListChildrenByGuardian(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	// Offline, an unknown guardian reads as an empty cached set.
	children, err = f.repo.ListChildrenByGuardian(context.Background(), "g-3")
	require.NoError(t, err)
	assert.Empty(t, children)
}

// gatedRemote holds GetService answers until released.
type gatedRemote struct {
	remote.Client
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) GetService(ctx context.Context, id string) (*model.Service, error) {
	svc, err := g.Client.GetService(ctx, id)
	close(g.entered)
	<-g.release
	return svc, err
}

func TestReadDoesNotOverwriteConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	gated := &gatedRemote{Client: f.server, entered: make(chan struct{}), release: make(chan struct{})}
	logger := zerolog.New(io.Discard)
	repo := New(f.store, gated, f.clock, &logger)

	done := make(chan *model.Service)
	go func() {
		svc, err := repo.GetService(context.Background(), "s-1")
		assert.NoError(t, err)
		done <- svc
	}()
	<-gated.entered

	// The read now holds a server answer that predates this check-in.
	res, err := repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Value.Service.CurrentCapacity)

	close(gated.release)
	svc := <-done
	assert.Equal(t, 1, svc.CurrentCapacity)
	assert.Equal(t, 1, f.cachedService(t, "s-1").CurrentCapacity)
}

func TestRegisterUpdateDeleteChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.repo.RegisterChild(ctx, &model.Child{
		GuardianID:  "g-1",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		DateOfBirth: epoch.AddDate(-4, 0, 0),
		Status:      model.ChildCheckedIn,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, reg.Outcome)
	assert.NotEmpty(t, reg.Value.ID)
	assert.Equal(t, model.ChildCheckedOut, reg.Value.Status)
	assert.NotNil(t, f.server.Child(reg.Value.ID))

	edit := reg.Value.Clone()
	edit.MedicalNotes = "asthma"
	edit.Status = model.ChildCheckedIn
	upd, err := f.repo.UpdateChild(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "asthma", upd.Value.MedicalNotes)
	assert.Equal(t, model.ChildCheckedOut, upd.Value.Status)

	outcome, err := f.repo.DeleteChild(ctx, reg.Value.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReconciled, outcome)
	assert.Nil(t, f.server.Child(reg.Value.ID))
	_, err = f.repo.CachedChild(ctx, reg.Value.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegisterChild_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.RegisterChild(context.Background(), &model.Child{FirstName: "Ada"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.repo.RegisterChild(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRegisterChild_Offline(t *testing.T) {
	f := newFixture(t)
	f.server.SetOffline(true)
	res, err := f.repo.RegisterChild(context.Background(), &model.Child{GuardianID: "g-1", FirstName: "Ada", DateOfBirth: epoch.AddDate(-4, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalOnly, res.Outcome)
	assert.Equal(t, res.Value.ID, f.cachedChild(t, res.Value.ID).ID)
}

func TestDeleteChild_RefusesCheckedIn(t *testing.T) {
	f := newFixture(t)
	f.seed(t, childAged("c-1", 4), service("s-1", 5))
	_, err := f.repo.CheckInChild(context.Background(), "c-1", "s-1", "staff-1", "")
	require.NoError(t, err)

	_, err = f.repo.DeleteChild(context.Background(), "c-1")
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedIn)
	assert.Equal(t, model.ChildCheckedIn, f.cachedChild(t, "c-1").Status)
}
