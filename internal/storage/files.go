// Package storage persists the AKILL list, registered accounts and the
// operator audit log, either as flat files in the data directory or in a
// SQL database through gorm.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/xline"
)

const maxEntries = 500

// Store is everything the daemon keeps across restarts
type Store interface {
	xline.Store
	network.Accounts

	SaveAccount(a *network.Account) error
	// Audit appends an operator action to the audit log
	Audit(entry string) error
	// AuditLog returns the newest n audit entries, newest first
	AuditLog(n int) ([]string, error)
	Close() error
}

// Open returns the store named by driver: "file" keeps flat files in
// dataDir, "sqlite" opens dsn, defaulting to ngservices.db in dataDir.
func Open(driver, dataDir, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "file":
		return OpenFiles(dataDir)
	case "sqlite":
		if dsn == "" {
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			dsn = filepath.Join(dataDir, "ngservices.db")
		}
		return OpenSQLite(dsn)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

type banRecord struct {
	Mask    string    `yaml:"mask"`
	By      string    `yaml:"by"`
	Reason  string    `yaml:"reason"`
	Created time.Time `yaml:"created"`
	Expires time.Time `yaml:"expires,omitempty"`
	ID      string    `yaml:"id,omitempty"`
}

type accountRecord struct {
	Name       string    `yaml:"name"`
	Email      string    `yaml:"email,omitempty"`
	Registered time.Time `yaml:"registered"`
}

// FileStore keeps everything under one data directory: bans.yaml,
// accounts.yaml and audit.txt.
type FileStore struct {
	dir      string
	accounts map[string]*network.Account
	audit    []string
}

// OpenFiles creates the data directory if needed and reads the accounts and
// audit log into memory
func OpenFiles(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &FileStore{dir: dir, accounts: make(map[string]*network.Account)}

	var records []accountRecord
	if err := s.readYAML("accounts.yaml", &records); err != nil {
		return nil, err
	}
	for _, r := range records {
		s.accounts[strings.ToLower(r.Name)] = &network.Account{Name: r.Name, Email: r.Email, Registered: r.Registered}
	}

	lines, err := readLines(s.path("audit.txt"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.audit = lines
	return s, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// LoadBans reads bans.yaml. A missing file is an empty list.
func (s *FileStore) LoadBans() ([]*xline.Entry, error) {
	var records []banRecord
	if err := s.readYAML("bans.yaml", &records); err != nil {
		return nil, err
	}
	entries := make([]*xline.Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, xline.NewEntry(r.Mask, r.By, r.Reason, r.Created, r.Expires, r.ID))
	}
	return entries, nil
}

// SaveBans rewrites bans.yaml with entries in list order
func (s *FileStore) SaveBans(entries []*xline.Entry) error {
	records := make([]banRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, banRecord{
			Mask:    e.Mask,
			By:      e.By,
			Reason:  e.Reason,
			Created: e.Created,
			Expires: e.Expires,
			ID:      e.ID,
		})
	}
	return s.writeYAML("bans.yaml", records)
}

// FindAccount looks an account up by name, ignoring case
func (s *FileStore) FindAccount(name string) (*network.Account, bool) {
	a, ok := s.accounts[strings.ToLower(name)]
	return a, ok
}

// SaveAccount adds or replaces an account and rewrites accounts.yaml
func (s *FileStore) SaveAccount(a *network.Account) error {
	s.accounts[strings.ToLower(a.Name)] = a

	records := make([]accountRecord, 0, len(s.accounts))
	for _, acc := range s.accounts {
		records = append(records, accountRecord{Name: acc.Name, Email: acc.Email, Registered: acc.Registered})
	}
	sortAccounts(records)
	return s.writeYAML("accounts.yaml", records)
}

// Audit appends entry, dropping the oldest once the log is full
func (s *FileStore) Audit(entry string) error {
	s.audit = AddAudit(s.audit, entry)
	return writeLines(s.path("audit.txt"), s.audit)
}

// AuditLog returns up to n entries, newest first
func (s *FileStore) AuditLog(n int) ([]string, error) {
	return newest(s.audit, n), nil
}

func (s *FileStore) Close() error {
	return nil
}

// AddAudit appends a new audit entry (max 500, oldest dropped)
func AddAudit(log []string, entry string) []string {
	log = append(log, entry)
	if len(log) > maxEntries {
		log = log[len(log)-maxEntries:]
	}
	return log
}

func newest(log []string, n int) []string {
	if n <= 0 || n > len(log) {
		n = len(log)
	}
	return reverse(log[len(log)-n:])
}

func (s *FileStore) readYAML(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// writeYAML replaces name atomically through a temporary file
func (s *FileStore) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := s.path(name + ".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(name))
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return err
		}
	}
	return nil
}

func reverse(s []string) []string {
	result := make([]string, len(s))
	for i, v := range s {
		result[len(s)-1-i] = v
	}
	return result
}

func sortAccounts(records []accountRecord) {
	sort.Slice(records, func(i, j int) bool {
		return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
	})
}
