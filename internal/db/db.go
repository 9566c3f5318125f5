package db

import (
	"context"
	"strings"
	"time"

	"roomchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix 开头的 DSN 使用 SQLite，其余按 Postgres DSN 处理。
const SQLitePrefix = "sqlite:"

const maxAttempts = 10

func dialector(dsn string) gorm.Dialector {
	if path, ok := strings.CutPrefix(dsn, SQLitePrefix); ok {
		return sqlite.Open(path)
	}
	return postgres.Open(dsn)
}

// Connect 建立数据库连接，Postgres 容器可能尚未就绪，因此带退避重试，ctx 结束时放弃。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var gdb *gorm.DB
		if gdb, err = open(dsn); err == nil {
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("db connect")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(300+attempt*200) * time.Millisecond):
		}
	}
	return nil, err
}

func open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, SQLitePrefix) {
		// SQLite 只允许单写者。
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate 自动迁移聊天服务涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{}, &models.RefreshToken{})
}
