// Package repository 提供基于 GORM 的数据访问层。
// 所有并发协调约束（消息去重、单一活跃建议）都下沉为存储层唯一约束。
package repository

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// activeClaimIndex enforces at most one claimed/ready/sending row per conversation.
// Partial indexes are understood by both PostgreSQL and SQLite.
const activeClaimIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_suggestion_claims_active
ON suggestion_claims (conversation_id) WHERE status IN ('claimed', 'ready', 'sending')`

// Open connects to PostgreSQL using the configured DSN.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), GormConfig(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Println("[db] database connected")
	return db, nil
}

// GormConfig returns the shared GORM settings. Timestamps are always UTC.
func GormConfig(level string) *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(parseLogLevel(level)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// Migrate creates or updates the tables and the partial claim index.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&chat.Contact{},
		&chat.ContactPhone{},
		&chat.Conversation{},
		&chat.Message{},
		&chat.SuggestionClaim{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if err := db.Exec(activeClaimIndex).Error; err != nil {
		return fmt.Errorf("failed to create active claim index: %w", err)
	}
	return nil
}
