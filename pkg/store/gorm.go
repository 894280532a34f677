package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"keyfleet/pkg/model"
)

// GormStore persists fleet state in a SQL database through gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an opened, migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

func (s *GormStore) UpsertNode(ctx context.Context, n model.Node) (model.Node, error) {
	if err := n.Validate(); err != nil {
		return n, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Node
		q := tx.Limit(1)
		if n.ID != 0 {
			q = q.Where("id = ?", n.ID)
		} else {
			q = q.Where("name = ?", n.Name)
		}
		res := q.Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&n).Error
		}
		n.ID = existing.ID
		n.CreatedAt = existing.CreatedAt
		return tx.Save(&n).Error
	})
	return n, err
}

func (s *GormStore) GetNode(ctx context.Context, id uint) (model.Node, error) {
	var n model.Node
	if err := s.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return n, notFound(err, "node", id)
	}
	return n, nil
}

func (s *GormStore) ListNodes(ctx context.Context, activeOnly bool) ([]model.Node, error) {
	var out []model.Node
	q := s.db.WithContext(ctx).Order("id")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	return out, q.Find(&out).Error
}

func (s *GormStore) SetNodeActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.Node{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteNode(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Credential{}).
			Where("node_id = ?", id).
			Updates(map[string]any{"node_id": nil, "active": false}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Node{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *GormStore) NodeLoads(ctx context.Context) (map[uint]int, error) {
	var rows []struct {
		NodeID uint
		N      int
	}
	err := s.db.WithContext(ctx).Model(&model.Credential{}).
		Select("node_id, count(*) AS n").
		Where("active = ? AND node_id IS NOT NULL", true).
		Group("node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int, len(rows))
	for _, r := range rows {
		out[r.NodeID] = r.N
	}
	return out, nil
}

func (s *GormStore) UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sub.ID == 0 {
			return tx.Create(&sub).Error
		}
		var existing model.Subscription
		res := tx.Limit(1).Where("id = ?", sub.ID).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&sub).Error
		}
		sub.CreatedAt = existing.CreatedAt
		return tx.Save(&sub).Error
	})
	return sub, err
}

func (s *GormStore) GetSubscription(ctx context.Context, id uint) (model.Subscription, error) {
	var sub model.Subscription
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return sub, notFound(err, "subscription", id)
	}
	return sub, nil
}

func (s *GormStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	return out, s.db.WithContext(ctx).Order("id").Find(&out).Error
}

func (s *GormStore) CreateCredential(ctx context.Context, c *model.Credential) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) ActiveCredentials(ctx context.Context, subscriptionID uint) ([]model.Credential, error) {
	var out []model.Credential
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND active = ?", subscriptionID, true).
		Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	var out []model.Credential
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) DeactivateCredential(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&model.Credential{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.credentialExists(ctx, id)
	}
	return nil
}

// credentialExists distinguishes a missing row from an update that changed
// nothing (MySQL reports zero affected rows for the latter).
func (s *GormStore) credentialExists(ctx context.Context, id uint) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Credential{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SaveTraffic(ctx context.Context, c model.Credential) error {
	res := s.db.WithContext(ctx).Model(&model.Credential{}).Where("id = ?", c.ID).
		Updates(map[string]any{
			"last_traffic_total":  c.LastTrafficTotal,
			"last_traffic_update": c.LastTrafficUpdate,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.credentialExists(ctx, c.ID)
	}
	return nil
}

func (s *GormStore) AddTrafficLog(ctx context.Context, credentialID uint, day time.Time, bytes int64) error {
	day = model.DayOf(day)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.TrafficLog
		res := tx.Limit(1).Where("credential_id = ? AND date = ?", credentialID, day).Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&model.TrafficLog{CredentialID: credentialID, Date: day, Bytes: bytes}).Error
		}
		return tx.Model(&model.TrafficLog{}).Where("id = ?", row.ID).
			Update("bytes", gorm.Expr("bytes + ?", bytes)).Error
	})
}

func (s *GormStore) ListTrafficLogs(ctx context.Context, credentialID uint, since time.Time) ([]model.TrafficLog, error) {
	var out []model.TrafficLog
	err := s.db.WithContext(ctx).
		Where("credential_id = ? AND date >= ?", credentialID, model.DayOf(since)).
		Order("date").Find(&out).Error
	return out, err
}

func (s *GormStore) PruneTrafficLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("date < ?", before.UTC()).Delete(&model.TrafficLog{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
