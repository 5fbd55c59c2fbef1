package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// zapWriter 将 gorm 日志输出接入 zap。
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Printf(format string, args ...interface{}) {
	w.logger.Sugar().Infof(format, args...)
}

// Open 打开 SQLite 数据库并执行幂等迁移。
// path 可以是文件路径，也可以是 file: 开头的 DSN（测试中用于内存库）。
func Open(path string, log *zap.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = "biterate.db"
	}

	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := ensureParentDir(dsn); err != nil {
			return nil, err
		}
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if log != nil {
		gormLogger = logger.New(&zapWriter{logger: log.Named("gorm")}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(log),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		})
	}

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}
	// SQLite 只允许单写者，所有写入经由同一连接串行执行
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("启用外键约束失败: %w", err)
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate 创建业务表、页面监听状态表与两个汇总视图，可重复执行。
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Review{},
		&Post{},
		&Approval{},
		&Feedback{},
		&Reply{},
		&WorkflowLog{},
		&PageState{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	for _, stmt := range viewStatements {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("创建视图失败: %w", err)
		}
	}
	return nil
}

func gormLogLevel(log *zap.Logger) logger.LogLevel {
	core := log.Core()
	switch {
	case core.Enabled(zap.DebugLevel):
		return logger.Info
	case core.Enabled(zap.InfoLevel), core.Enabled(zap.WarnLevel):
		return logger.Warn
	default:
		return logger.Error
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.New("database path parent is not a directory")
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}

	return err
}
