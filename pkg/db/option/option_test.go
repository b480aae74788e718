package option

import (
	"testing"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/pkg/db/pagination"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newOptionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE events (
			id INTEGER PRIMARY KEY,
			created_at DATETIME
		)
	`).Error)
	return db
}

func listEventIDs(t *testing.T, db *gorm.DB, page pagination.Pagination) []int64 {
	t.Helper()

	var ids []int64
	stmt := db.Table("events").Order("created_at desc, id desc")
	stmt = ApplyPagination(page).Apply(stmt)
	require.NoError(t, stmt.Pluck("id", &ids).Error)
	return ids
}

func TestApplyPaginationLimitsPageSize(t *testing.T) {
	db := newOptionTestDB(t)
	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, db.Exec(
			`INSERT INTO events (id, created_at) VALUES (?, ?)`,
			i, base.Add(time.Duration(i)*time.Hour),
		).Error)
	}

	ids := listEventIDs(t, db, pagination.Pagination{PageSize: 2})
	require.Equal(t, []int64{3, 2}, ids)
}

func TestApplyPaginationResumesFromCursor(t *testing.T) {
	db := newOptionTestDB(t)
	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, db.Exec(
			`INSERT INTO events (id, created_at) VALUES (?, ?)`,
			i, base.Add(time.Duration(i)*time.Hour),
		).Error)
	}

	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        "2",
		CreatedAt: base.Add(2 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	ids := listEventIDs(t, db, pagination.Pagination{PageSize: 2, PageToken: token})
	require.Equal(t, []int64{1}, ids)
}

func TestApplyPaginationIgnoresMalformedToken(t *testing.T) {
	db := newOptionTestDB(t)
	require.NoError(t, db.Exec(
		`INSERT INTO events (id, created_at) VALUES (1, ?)`,
		time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC),
	).Error)

	ids := listEventIDs(t, db, pagination.Pagination{PageSize: 10, PageToken: "not-base64!"})
	require.Equal(t, []int64{1}, ids)
}
