package profile

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"match-server/internal/apperror"
)

// Record is a row of the profiles table.
type Record struct {
	ID          string `gorm:"primaryKey;size:64;not null"`
	DisplayName string `gorm:"size:100"`
	AvatarURL   string `gorm:"size:255"`
	Country     string `gorm:"size:2"`
}

func (Record) TableName() string { return "profiles" }

// GormStore reads profiles from PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("✅ Connected to profile database")
	return db, nil
}

// DisplayInfo loads one profile by id.
func (s *GormStore) DisplayInfo(ctx context.Context, userID string) (Info, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Find(&rows).Error; err != nil {
		return Info{}, apperror.Internal(err, "load profile")
	}
	if len(rows) == 0 {
		return Info{}, apperror.NotFound("profile %s not found", userID)
	}

	r := rows[0]
	info := Info{
		UserID:      r.ID,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		Country:     r.Country,
	}
	if info.DisplayName == "" {
		info.DisplayName = r.ID
	}
	return info, nil
}
