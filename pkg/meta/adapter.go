// pkg/meta/adapter.go
package meta

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 封装了 GORM 实例，作为迁移日志的入口。
// 日志是机器本地的 sqlite 文件 —— 迁移宿主机上没有数据库服务可依赖。
type DB struct {
	conn *gorm.DB
}

// NewDB 打开 (必要时创建) 日志数据库并迁移表结构。
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, fmt.Errorf("journal auto migration failed: %w", err)
	}
	return &DB{conn: db}, nil
}

// NewWithConn 允许用现成的 GORM 连接初始化 (测试用)。
func NewWithConn(conn *gorm.DB) *DB {
	return &DB{conn: conn}
}

func (d *DB) GetConn() *gorm.DB {
	return d.conn
}
