package database

import (
	"path/filepath"
	"testing"
	"time"

	"emby-panel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, table := range []string{"servers", "panel_users", "subscriptions", "settings", "sweep_runs"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestForeignKeysAreEnforced(t *testing.T) {
	db, err := OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.Create(&model.Server{ID: "s1", Name: "one", URL: "http://x", APIKey: "k", Enabled: true}).Error)
	creator := model.PanelUser{ID: "u1", Username: "res", PasswordHash: "x", Name: "Res", Role: model.RoleReseller}
	require.NoError(t, db.Create(&creator).Error)

	exp := time.Now().UTC()
	require.NoError(t, db.Create(&model.Subscription{UserID: "a1", ServerID: "s1", CreatedBy: &creator.ID, ExpirationDate: &exp}).Error)

	// Unknown server is rejected.
	err = db.Create(&model.Subscription{UserID: "a2", ServerID: "missing"}).Error
	require.Error(t, err)

	// Deleting the creator unattributes the entry.
	require.NoError(t, db.Delete(&model.PanelUser{}, "id = ?", "u1").Error)
	var sub model.Subscription
	require.NoError(t, db.First(&sub, "user_id = ?", "a1").Error)
	assert.Nil(t, sub.CreatedBy)

	// Deleting the server removes its entries.
	require.NoError(t, db.Delete(&model.Server{}, "id = ?", "s1").Error)
	var count int64
	require.NoError(t, db.Model(&model.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDuplicateKeyDetection(t *testing.T) {
	db, err := OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.Create(&model.Server{ID: "s1", Name: "one", URL: "http://x", APIKey: "k"}).Error)
	require.NoError(t, db.Create(&model.Subscription{UserID: "a1", ServerID: "s1"}).Error)

	err = db.Create(&model.Subscription{UserID: "a1", ServerID: "s1"}).Error
	assert.True(t, IsDuplicateKeyErr(err))
	assert.False(t, IsDuplicateKeyErr(nil))
}
