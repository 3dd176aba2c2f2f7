package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DocumentSnapshot 是 flush 时记录的一份历史内容
type DocumentSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"size:700;not null;uniqueIndex:uk_doc_rev,priority:1" json:"documentId"`
	Revision   uint64    `gorm:"not null;uniqueIndex:uk_doc_rev,priority:2" json:"revision"`
	Content    string    `gorm:"type:longtext;not null" json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

type SnapshotStore struct{ db *gorm.DB }

// NewSnapshotStore 会自动建表
func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	if err := db.AutoMigrate(&DocumentSnapshot{}); err != nil {
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// RecordSnapshot 以当前最大版本号 +1 写入。并发写入撞上唯一键时视为已记录。
func (s *SnapshotStore) RecordSnapshot(ctx context.Context, documentID string, content string) error {
	db := s.db.WithContext(ctx)
	var last uint64
	if err := db.Model(&DocumentSnapshot{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&last).Error; err != nil {
		return err
	}
	snap := DocumentSnapshot{DocumentID: documentID, Revision: last + 1, Content: content}
	if err := db.Create(&snap).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// History 按版本从新到旧返回最近 limit 条快照
func (s *SnapshotStore) History(ctx context.Context, documentID string, limit int) ([]DocumentSnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("revision DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
