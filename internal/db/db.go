package db

import (
	"fmt"
	"strings"
	"time"

	"relaychat/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect 根据驱动建立数据库连接；Postgres 带有简单的重试来等待容器就绪。
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case DriverPostgres:
		return connectPostgres(dsn)
	case DriverSQLite:
		return connectSQLite(dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func connectPostgres(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func connectSQLite(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; an in-memory database also exists per
	// connection, so a single connection keeps every query on the same data.
	sqlDB.SetMaxOpenConns(1)
	if !strings.Contains(path, ":memory:") {
		if err := gdb.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, err
		}
	}
	return gdb, nil
}

// Migrate 自动迁移消息表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Message{})
}
