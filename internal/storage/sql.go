package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/xline"
)

type banRow struct {
	ID       uint `gorm:"primarykey"`
	Position int  `gorm:"index"`
	Mask     string
	SetBy    string
	Reason   string
	Created  time.Time
	Expires  *time.Time
	BanID    string
}

func (banRow) TableName() string { return "akills" }

type accountRow struct {
	Lookup     string `gorm:"primarykey"`
	Name       string
	Email      string
	Registered time.Time
}

func (accountRow) TableName() string { return "accounts" }

type auditRow struct {
	ID        uint `gorm:"primarykey"`
	Entry     string
	CreatedAt time.Time
}

func (auditRow) TableName() string { return "audit_log" }

// SQLStore keeps everything in a database. Accounts are read through on
// every lookup.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the sqlite database at dsn and
// migrates its tables
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open connection
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&banRow{}, &accountRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LoadBans() ([]*xline.Entry, error) {
	var rows []banRow
	if err := s.db.Order("position").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]*xline.Entry, 0, len(rows))
	for _, r := range rows {
		var expires time.Time
		if r.Expires != nil {
			expires = *r.Expires
		}
		entries = append(entries, xline.NewEntry(r.Mask, r.SetBy, r.Reason, r.Created, expires, r.BanID))
	}
	return entries, nil
}

// SaveBans replaces the stored list in one transaction
func (s *SQLStore) SaveBans(entries []*xline.Entry) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&banRow{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		rows := make([]banRow, 0, len(entries))
		for i, e := range entries {
			r := banRow{
				Position: i + 1,
				Mask:     e.Mask,
				SetBy:    e.By,
				Reason:   e.Reason,
				Created:  e.Created,
				BanID:    e.ID,
			}
			if !e.Permanent() {
				exp := e.Expires
				r.Expires = &exp
			}
			rows = append(rows, r)
		}
		return tx.Create(&rows).Error
	})
}

func (s *SQLStore) FindAccount(name string) (*network.Account, bool) {
	var row accountRow
	err := s.db.Where("lookup = ?", strings.ToLower(name)).Limit(1).Find(&row).Error
	if err != nil || row.Lookup == "" {
		return nil, false
	}
	return &network.Account{Name: row.Name, Email: row.Email, Registered: row.Registered}, true
}

func (s *SQLStore) SaveAccount(a *network.Account) error {
	return s.db.Save(&accountRow{
		Lookup:     strings.ToLower(a.Name),
		Name:       a.Name,
		Email:      a.Email,
		Registered: a.Registered,
	}).Error
}

// Audit appends entry and trims the table to the newest 500 rows
func (s *SQLStore) Audit(entry string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&auditRow{Entry: entry}).Error; err != nil {
			return err
		}
		keep := tx.Model(&auditRow{}).Select("id").Order("id desc").Limit(maxEntries)
		return tx.Where("id NOT IN (?)", keep).Delete(&auditRow{}).Error
	})
}

func (s *SQLStore) AuditLog(n int) ([]string, error) {
	if n <= 0 {
		n = maxEntries
	}
	var rows []auditRow
	if err := s.db.Order("id desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Entry)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
