package store

import (
	"context"
	"fmt"

	"relaychat/internal/models"

	"gorm.io/gorm"
)

// Gorm 基于 gorm 的消息存储，生产使用 Postgres，本地与测试使用 SQLite。
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Append 写入一条消息，Seq 由数据库自增生成。
func (s *Gorm) Append(ctx context.Context, m *models.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Query 按创建时间升序返回消息；分页时先倒序取最近 Limit 条再反转。
func (s *Gorm) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Message{})
	if f.Room != "" {
		q = q.Where("room = ?", f.Room)
	} else {
		q = q.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			f.UserA, f.UserB, f.UserB, f.UserA)
	}
	if f.BeforeSeq > 0 {
		q = q.Where("seq < ?", f.BeforeSeq)
	}

	var msgs []models.Message
	if f.Limit == 0 {
		if err := q.Order("created_at asc, seq asc").Find(&msgs).Error; err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		return msgs, nil
	}

	if err := q.Order("created_at desc, seq desc").Limit(f.Limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
