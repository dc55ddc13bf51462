// Package sqlstore 基于关系数据库的状态持久化
//
// 通过 Dialect 屏蔽 PostgreSQL 与 SQLite 的 SQL 差异，查询统一以 PostgreSQL 的
// $N 占位符书写，执行前由 Dialect.Rebind 转换。
package sqlstore

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DriverType 数据库驱动类型
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverSQLite   DriverType = "sqlite"
)

// ParseDriver 解析配置中的驱动名
func ParseDriver(name string) (DriverType, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}

// Dialect 数据库方言
type Dialect interface {
	DriverType() DriverType

	// Rebind 将 $1, $2 占位符转换为目标数据库格式
	Rebind(query string) string

	// UpsertConflict 生成冲突更新子句，updateExprs 形如 "status = EXCLUDED.status"
	UpsertConflict(conflictColumn string, updateExprs []string) string

	// AutoMigrate 创建缺失的表与索引
	AutoMigrate(db *sql.DB) error
}

var pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)

// rebindToQuestion 将 $N 占位符转换为 ?
func rebindToQuestion(query string) string {
	return pgPlaceholderRe.ReplaceAllString(query, "?")
}

func upsertConflict(conflictColumn string, updateExprs []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updateExprs, ", "))
}

// NewDialect 按驱动类型创建方言
func NewDialect(driver DriverType) (Dialect, error) {
	switch driver {
	case DriverPostgres:
		return &PostgresDialect{}, nil
	case DriverSQLite:
		return &SQLiteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// OpenDB 按驱动打开数据库连接
func OpenDB(driver DriverType, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(dsn)
	case DriverSQLite:
		return OpenSQLite(dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}
