package subs

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/schema"
	"main/pkg/conn"
)

type subscriptionRow struct {
	ID          uint   `gorm:"primaryKey"`
	Strategy    string `gorm:"size:42;uniqueIndex:ux_subscriptions,priority:1"`
	Type        string `gorm:"size:16;uniqueIndex:ux_subscriptions,priority:2"`
	PayloadHash string `gorm:"size:66;uniqueIndex:ux_subscriptions,priority:3"`
	Payload     []byte
	Status      string `gorm:"size:16"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (subscriptionRow) TableName() string {
	return "subscriptions"
}

// PGStore persists subscriptions in postgres through gorm.
type PGStore struct {
	db *gorm.DB
}

// NewPGStore migrates the subscriptions table and returns the store.
func NewPGStore(client *conn.Client) (*PGStore, error) {
	db := client.DB()
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	if err := db.AutoMigrate(&subscriptionRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate subscriptions")
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Add(ctx context.Context, sub schema.Subscription) error {
	row := subscriptionRow{
		Strategy:    addrString(sub.Strategy),
		Type:        sub.Type.String(),
		PayloadHash: sub.PayloadHash.Hex(),
		Payload:     sub.Payload,
		Status:      schema.SubStatusActive.String(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy"}, {Name: "type"}, {Name: "payload_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "status", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrap(err, "upsert subscription")
}

func (s *PGStore) Remove(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) error {
	result := s.db.WithContext(ctx).
		Where("strategy = ? AND type = ? AND payload_hash = ?", addrString(strategy), t.String(), payloadHash.Hex()).
		Delete(&subscriptionRow{})
	if result.Error != nil {
		return errors.Wrap(result.Error, "delete subscription")
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PGStore) Exists(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash) (bool, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).
		Where("strategy = ? AND type = ? AND payload_hash = ?", addrString(strategy), t.String(), payloadHash.Hex()).
		First(&row).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "query subscription")
	}
	return true, nil
}

func (s *PGStore) Subscribers(ctx context.Context, t schema.SubscriptionType, payloadHash common.Hash) ([]common.Address, error) {
	var strategies []string
	err := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("type = ? AND payload_hash = ? AND status = ?", t.String(), payloadHash.Hex(), schema.SubStatusActive.String()).
		Pluck("strategy", &strategies).Error
	if err != nil {
		return nil, errors.Wrap(err, "query subscribers")
	}
	out := make([]common.Address, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

func (s *PGStore) ByStrategy(ctx context.Context, strategy common.Address) ([]schema.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).
		Where("strategy = ?", addrString(strategy)).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query strategy subscriptions")
	}
	return rowsToSubscriptions(rows), nil
}

func (s *PGStore) AllActive(ctx context.Context) ([]schema.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.SubStatusActive.String()).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query active subscriptions")
	}
	return rowsToSubscriptions(rows), nil
}

func (s *PGStore) SetStatus(ctx context.Context, strategy common.Address, t schema.SubscriptionType, payloadHash common.Hash, status schema.SubscriptionStatus) error {
	result := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("strategy = ? AND type = ? AND payload_hash = ?", addrString(strategy), t.String(), payloadHash.Hex()).
		Update("status", status.String())
	if result.Error != nil {
		return errors.Wrap(result.Error, "update subscription status")
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func rowsToSubscriptions(rows []subscriptionRow) []schema.Subscription {
	out := make([]schema.Subscription, 0, len(rows))
	for _, row := range rows {
		t, _ := schema.ParseSubscriptionName(row.Type)
		status := schema.SubStatusActive
		if row.Status == schema.SubStatusDisabled.String() {
			status = schema.SubStatusDisabled
		}
		out = append(out, schema.Subscription{
			Strategy:    common.HexToAddress(row.Strategy),
			Type:        t,
			Payload:     row.Payload,
			PayloadHash: common.HexToHash(row.PayloadHash),
			Status:      status,
		})
	}
	return out
}

func addrString(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var _ Store = (*PGStore)(nil)
