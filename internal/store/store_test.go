package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kids-checkin-backend/internal/model"
)

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return NewGormStore(db)
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	dob := time.Date(2019, 4, 2, 0, 0, 0, 0, time.UTC)

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, model.KindChild, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get returns a copy", func(t *testing.T) {
		child := &model.Child{ID: "c-1", GuardianID: "g-1", FirstName: "Ana", DateOfBirth: dob, Status: model.ChildCheckedOut}
		require.NoError(t, s.Put(ctx, child))
		child.FirstName = "mutated"

		got, err := GetAs[*model.Child](ctx, s, model.KindChild, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", got.FirstName)
		assert.True(t, got.DateOfBirth.Equal(dob))

		got.FirstName = "also mutated"
		again, err := GetAs[*model.Child](ctx, s, model.KindChild, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", again.FirstName)
	})

	t.Run("put overwrites by id", func(t *testing.T) {
		svc := &model.Service{ID: "s-1", Name: "Toddlers", MaxCapacity: 5, CurrentCapacity: 1, StaffIDs: []string{"st-1"}}
		require.NoError(t, s.Put(ctx, svc))
		svc.CurrentCapacity = 2
		require.NoError(t, s.Put(ctx, svc))

		got, err := GetAs[*model.Service](ctx, s, model.KindService, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentCapacity)
		assert.Equal(t, []string{"st-1"}, got.StaffIDs)
	})

	t.Run("put all and query", func(t *testing.T) {
		require.NoError(t, s.PutAll(ctx,
			&model.CheckInRecord{ID: "r-1", ChildID: "c-1", ServiceID: "s-1", CheckedInBy: "st-1", Status: model.RecordCheckedIn},
			&model.CheckInRecord{ID: "r-2", ChildID: "c-2", ServiceID: "s-1", CheckedInBy: "st-1", Status: model.RecordCheckedOut},
			&model.CheckInRecord{ID: "r-3", ChildID: "c-3", ServiceID: "s-2", CheckedInBy: "st-1", Status: model.RecordCheckedIn},
		))

		open, err := QueryAs(ctx, s, model.KindCheckInRecord, func(r *model.CheckInRecord) bool {
			return r.IsOpen()
		})
		require.NoError(t, err)
		ids := make([]string, 0, len(open))
		for _, r := range open {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []string{"r-1", "r-3"}, ids)

		all, err := s.Query(ctx, model.KindCheckInRecord, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, model.KindCheckInRecord, "r-2"))
		_, err := s.Get(ctx, model.KindCheckInRecord, "r-2")
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.Query(ctx, model.KindCheckInRecord, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestGormStore_SQLite(t *testing.T) {
	storeContract(t, newSQLiteStore(t))
}

func TestGormStore_GetNotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "children" WHERE id = $1 LIMIT`)).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), model.KindChild, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_GetDatabaseError(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "services" WHERE id = $1 LIMIT`)).
		WithArgs("s-1", 1).
		WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), model.KindService, "s-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_UnknownKind(t *testing.T) {
	gormDB, _ := newMockDB(t)
	s := NewGormStore(gormDB)

	_, err := s.Query(context.Background(), model.Kind("widget"), nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
