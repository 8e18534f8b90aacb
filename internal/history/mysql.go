package history

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"A2A-Advisory/deploy/migrations"
)

// MySQLConfig 描述历史仓库的数据库连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLRepository 使用真实的 MySQL 数据库存储咨询历史。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 创建连接池并执行数据库迁移。
func NewSQLRepository(ctx context.Context, cfg MySQLConfig) (*SQLRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// SaveRun 将编排记录写入 MySQL。
func (s *SQLRepository) SaveRun(ctx context.Context, record RunRecord) error {
	const stmt = `INSERT INTO advisory_runs
        (correlation_id, query, status, analyses, response, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.CorrelationID,
		record.Query,
		record.Status,
		record.Analyses,
		nullableJSON(record.Response),
		record.DurationMS,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入编排记录失败: %w", err)
	}
	return nil
}

// SaveTrade 写入或更新交易决断记录。令牌唯一，决断后覆盖状态与结果。
func (s *SQLRepository) SaveTrade(ctx context.Context, record TradeRecord) error {
	const stmt = `INSERT INTO advisory_trades
        (token, correlation_id, symbol, action, quantity, status, outcome, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), outcome = VALUES(outcome)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.Token,
		record.CorrelationID,
		record.Symbol,
		record.Action,
		record.Quantity,
		record.Status,
		nullableJSON(record.Outcome),
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	return nil
}

// ListRuns 查询最近的若干条编排记录。
func (s *SQLRepository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT correlation_id, query, status, analyses, response, duration_ms, created_at
        FROM advisory_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询编排记录失败: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var response sql.NullString
		if err := rows.Scan(
			&record.CorrelationID,
			&record.Query,
			&record.Status,
			&record.Analyses,
			&response,
			&record.DurationMS,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析编排记录失败: %w", err)
		}
		if response.Valid {
			record.Response = []byte(response.String)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历编排记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭数据库连接池。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var embeddedMigrations = migrations.Files

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRepository) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (s *SQLRepository) applyMigration(ctx context.Context, migration migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, migration.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		contentBytes, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(contentBytes))
		if len(statements) == 0 {
			continue
		}

		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	rawStatements := strings.Split(content, ";")
	var statements []string
	for _, stmt := range rawStatements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		statements = append(statements, trimmed)
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
