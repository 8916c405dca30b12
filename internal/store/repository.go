package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/riskgate/internal/risk"
)

// Repository is the durable home of risk state.
type Repository interface {
	LoadLimits(ctx context.Context) ([]risk.RiskLimits, error)
	SaveLimits(ctx context.Context, l risk.RiskLimits) error
	LoadAccounts(ctx context.Context) ([]risk.AccountState, error)
	SaveAccount(ctx context.Context, a risk.AccountState) error
	SaveViolations(ctx context.Context, vs []risk.RiskViolation) error
	UnresolvedKillSwitches(ctx context.Context) ([]risk.RiskViolation, error)
	ResolveKillSwitches(ctx context.Context, userID string) (int64, error)
	ResolveViolation(ctx context.Context, userID, id string) (bool, error)
}

// GormRepository implements Repository on gorm.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository wraps an open database.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{db: db, logger: logger.With(zap.String("component", "store"))}
}

// DB exposes the underlying handle.
func (r *GormRepository) DB() *gorm.DB { return r.db }

// Close closes the connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity.
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *GormRepository) LoadLimits(ctx context.Context) ([]risk.RiskLimits, error) {
	var recs []limitsRecord
	if err := r.db.WithContext(ctx).Order("user_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load limits: %w", err)
	}
	out := make([]risk.RiskLimits, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toLimits())
	}
	return out, nil
}

func (r *GormRepository) SaveLimits(ctx context.Context, l risk.RiskLimits) error {
	rec := limitsToRecord(l)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save limits for %s: %w", l.UserID, err)
	}
	return nil
}

func (r *GormRepository) LoadAccounts(ctx context.Context) ([]risk.AccountState, error) {
	var recs []accountRecord
	if err := r.db.WithContext(ctx).Order("user_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	out := make([]risk.AccountState, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAccount())
	}
	return out, nil
}

func (r *GormRepository) SaveAccount(ctx context.Context, a risk.AccountState) error {
	rec := accountToRecord(a)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.UserID, err)
	}
	return nil
}

func (r *GormRepository) SaveViolations(ctx context.Context, vs []risk.RiskViolation) error {
	if len(vs) == 0 {
		return nil
	}
	recs := make([]violationRecord, 0, len(vs))
	for _, v := range vs {
		recs = append(recs, violationToRecord(v))
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoUpdates: clause.AssignmentColumns([]string{"resolved"})}).
		Create(&recs).Error
	if err != nil {
		return fmt.Errorf("save %d violations: %w", len(vs), err)
	}
	return nil
}

func (r *GormRepository) UnresolvedKillSwitches(ctx context.Context) ([]risk.RiskViolation, error) {
	var recs []violationRecord
	err := r.db.WithContext(ctx).
		Where("severity = ? AND resolved = ?", risk.SeverityKillSwitch.String(), false).
		Order("occurred_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load kill switches: %w", err)
	}
	out := make([]risk.RiskViolation, 0, len(recs))
	for _, rec := range recs {
		v, err := rec.toViolation()
		if err != nil {
			r.logger.Warn("Skipping violation with unknown severity",
				zap.String("violation_id", rec.ID), zap.String("severity", rec.Severity))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *GormRepository) ResolveKillSwitches(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&violationRecord{}).
		Where("user_id = ? AND severity = ? AND resolved = ?", userID, risk.SeverityKillSwitch.String(), false).
		Update("resolved", true)
	if res.Error != nil {
		return 0, fmt.Errorf("resolve kill switches for %s: %w", userID, res.Error)
	}
	return res.RowsAffected, nil
}

// ResolveViolation resolves one open violation that is not a kill switch.
// It reports whether a row changed.
func (r *GormRepository) ResolveViolation(ctx context.Context, userID, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&violationRecord{}).
		Where("id = ? AND user_id = ? AND severity <> ? AND resolved = ?", id, userID, risk.SeverityKillSwitch.String(), false).
		Update("resolved", true)
	if res.Error != nil {
		return false, fmt.Errorf("resolve violation %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
