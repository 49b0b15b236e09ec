package database

import (
	"github.com/glebarez/sqlite"
	"github.com/weibaohui/bizplan/internal/model"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		// Supabase 等托管 Postgres，底层为 pgx 驱动
		dialector = postgres.Open(dsn)
	default:
		// 使用 github.com/glebarez/sqlite 驱动
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if dbType != "mysql" && dbType != "postgres" {
		// sqlite 写入本身串行，单连接避免 :memory: 库在多连接间不可见以及 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Plan{}, &model.Section{}, &model.GenerationLog{}); err != nil {
		return nil, err
	}
	return db, nil
}
