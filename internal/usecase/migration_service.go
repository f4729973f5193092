package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"

	"device-envelope-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureHistoryTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, version string) error
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
}

// MigrationService はバイナリに埋め込まれたSQLマイグレーションの適用を提供する。
type MigrationService struct {
	repo  MigrationRepository
	db    *gorm.DB
	files fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// filesには埋め込みマイグレーションファイル群（*.sql）を渡す。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, files fs.FS) *MigrationService {
	return &MigrationService{
		repo:  repo,
		db:    db,
		files: files,
	}
}

// scanMigrationFiles は埋め込みファイル群から.sqlファイルを列挙する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Status:  domain.MigrationStatusPending,
		})
	}

	// バージョン順にソート
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_device_keys.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(nameWithoutExt, "_", 2)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}

	return parts[0], parts[1], nil
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureHistoryTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: ensuring history table: %v", domain.ErrMigrationFailed, err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, migration := range allMigrations {
		done, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", migration.Version, err)
		}
		if done {
			continue
		}

		sqlBytes, err := fs.ReadFile(s.files, migration.Version+"_"+migration.Name+".sql")
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", migration.Version, err)
		}

		if err := s.db.WithContext(ctx).Exec(string(sqlBytes)).Error; err != nil {
			slog.ErrorContext(ctx, "migration failed",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}

		if err := s.repo.RecordMigration(ctx, migration.Version); err != nil {
			return applied, fmt.Errorf("recording migration %s: %w", migration.Version, err)
		}

		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", migration.Version,
			"name", migration.Name,
		)
		applied++
	}

	return applied, nil
}

// GetMigrationStatus は全マイグレーションの適用状態を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureHistoryTable(ctx); err != nil {
		return nil, fmt.Errorf("%w: ensuring history table: %v", domain.ErrMigrationFailed, err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedList, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, err
	}
	appliedByVersion := make(map[string]*domain.Migration, len(appliedList))
	for _, m := range appliedList {
		appliedByVersion[m.Version] = m
	}

	for _, migration := range allMigrations {
		if a, ok := appliedByVersion[migration.Version]; ok {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = a.AppliedAt
		}
	}

	return allMigrations, nil
}
