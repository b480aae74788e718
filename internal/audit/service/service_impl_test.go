package service

import (
	"context"
	"testing"

	auditdomain "github.com/GYB356/billing-management-platform-sub001/internal/audit/domain"
	"github.com/GYB356/billing-management-platform-sub001/internal/audit/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE audit_logs (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			actor_type TEXT,
			actor_id TEXT,
			action TEXT,
			target_type TEXT,
			target_id TEXT,
			metadata TEXT,
			ip_address TEXT,
			user_agent TEXT,
			created_at DATETIME
		)
	`).Error)
	return db
}

func newAuditService(t *testing.T, db *gorm.DB) auditdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
}

func TestAuditLogMasksSensitiveMetadata(t *testing.T) {
	db := newAuditTestDB(t)
	svc := newAuditService(t, db)

	orgID := snowflake.ID(42)
	require.NoError(t, svc.AuditLog(context.Background(), &orgID, "system", nil,
		"recovery.attempt_scheduled", "payment_attempt", nil, map[string]any{
			"payment_method_id": "pm_1abcDEFGH",
			"strategy":          "DEFAULT",
		}))

	var raw string
	require.NoError(t, db.Raw(`SELECT metadata FROM audit_logs`).Scan(&raw).Error)
	require.Contains(t, raw, `"pm_****EFGH"`)
	require.NotContains(t, raw, "pm_1abcDEFGH")
	require.Contains(t, raw, `"strategy":"DEFAULT"`)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	db := newAuditTestDB(t)
	svc := newAuditService(t, db)

	err := svc.AuditLog(context.Background(), nil, "", nil, "  ", "subscription", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}
