package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"league-rankings/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQL stores objects as rows of the blobs table through GORM. The primary
// key constraint gives CreateIfAbsent real atomicity across instances.
type SQL struct {
	DB *gorm.DB
}

// OpenSQL connects with the postgres or mysql dialector and migrates the table.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSQL(db)
}

func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&models.Blob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate blobs table: %w", err)
	}
	return &SQL{DB: db}, nil
}

func (s *SQL) Get(ctx context.Context, key string) (*Object, error) {
	var row models.Blob
	if err := s.DB.WithContext(ctx).First(&row, "blob_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &Object{Key: row.Key, Data: row.Data, Version: row.Version, ModifiedAt: row.UpdatedAt.UTC()}, nil
}

func (s *SQL) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	row := models.Blob{Key: key, Data: data, Version: ContentVersion(data)}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "version", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQL) CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	row := models.Blob{Key: key, Data: data, Version: ContentVersion(data)}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("create %s: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQL) Delete(ctx context.Context, key string, ifVersion string) (bool, error) {
	q := s.DB.WithContext(ctx).Where("blob_key = ?", key)
	if ifVersion != "" {
		q = q.Where("version = ?", ifVersion)
	}
	res := q.Delete(&models.Blob{})
	if res.Error != nil {
		return false, fmt.Errorf("delete %s: %w", key, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQL) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var rows []models.Blob
	err := s.DB.WithContext(ctx).
		Select("blob_key", "version", "updated_at").
		Where("blob_key LIKE ?", escapeLike(prefix)+"%").
		Order("blob_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	out := make([]ObjectInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ObjectInfo{Key: r.Key, Version: r.Version, ModifiedAt: r.UpdatedAt.UTC()})
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
