package sweep

import (
	"context"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"
	"emby-panel/internal/reconcile"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultRetention is how long sweep runs are kept.
const DefaultRetention = 90 * 24 * time.Hour

// History stores executed sweeps. Register it with Engine.Observe.
type History struct {
	db        *gorm.DB
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewHistory(db *gorm.DB, log *zap.Logger) *History {
	return &History{db: db, retention: DefaultRetention, log: log.Named("sweep_history"), now: time.Now}
}

// SweepFinished records result and prunes runs past the retention window.
func (h *History) SweepFinished(ctx context.Context, result *reconcile.SweepResult) {
	run := model.SweepRun{
		Kind:       result.Kind,
		Trigger:    result.Trigger,
		Candidates: len(result.Candidates),
		Disabled:   result.Disabled,
		Failed:     len(result.Failed),
		Timestamp:  result.Timestamp,
	}
	db := h.db.WithContext(context.WithoutCancel(ctx))
	if err := db.Create(&run).Error; err != nil {
		h.log.Warn("failed to record sweep run", zap.String("kind", run.Kind), zap.Error(err))
		return
	}
	if err := db.Where("timestamp < ?", h.now().Add(-h.retention)).Delete(&model.SweepRun{}).Error; err != nil {
		h.log.Warn("failed to prune sweep runs", zap.Error(err))
	}
}

// Recent returns the latest runs, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]model.SweepRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []model.SweepRun
	if err := h.db.WithContext(ctx).Order("timestamp desc").Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, apperr.Persistence("failed to read sweep history", err)
	}
	return runs, nil
}
