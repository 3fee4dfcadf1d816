package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/atomicfile"
)

const backupTimeLayout = "20060102_150405"

func (s *Store) backupDir() string {
	return filepath.Join(filepath.Dir(s.cfg.Path), "backups")
}

// backupNameParts returns the "<base>_backup_" prefix and ".<ext>" suffix.
func (s *Store) backupNameParts() (string, string) {
	file := filepath.Base(s.cfg.Path)
	ext := filepath.Ext(file)
	return strings.TrimSuffix(file, ext) + "_backup_", ext
}

func (s *Store) backup() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("read snapshot for backup: %w", err)
	}
	target := s.nextBackupPath()
	if err := atomicfile.WriteFile(target, data); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.logger.Debug("snapshot backed up", zap.String("backup", target))
	return s.pruneBackups()
}

// nextBackupPath names a backup after the current second. A name already
// taken within the same second gets a zero-padded sequence suffix, which
// still sorts after the unsuffixed name.
func (s *Store) nextBackupPath() string {
	prefix, ext := s.backupNameParts()
	stamp := prefix + s.clock.Now().UTC().Format(backupTimeLayout)
	target := filepath.Join(s.backupDir(), stamp+ext)
	for seq := 1; ; seq++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			return target
		}
		target = filepath.Join(s.backupDir(), fmt.Sprintf("%s_%03d%s", stamp, seq, ext))
	}
}

// Backups lists backup files newest first.
func (s *Store) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	prefix, ext := s.backupNameParts()
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = filepath.Join(s.backupDir(), name)
	}
	return out, nil
}

func (s *Store) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	if len(backups) <= s.cfg.MaxBackups {
		return nil
	}
	for _, path := range backups[s.cfg.MaxBackups:] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old backup: %w", err)
		}
		s.logger.Debug("removed old backup", zap.String("backup", path))
	}
	return nil
}

// recoverFromBackup returns the records of the newest backup that decodes.
func (s *Store) recoverFromBackup() ([]grocery.ScrapeRecord, bool) {
	backups, err := s.Backups()
	if err != nil {
		s.logger.Warn("backup listing failed", zap.Error(err))
		return nil, false
	}
	for _, path := range backups {
		snap, err := readSnapshot(path)
		if err != nil {
			s.logger.Warn("skipping unreadable backup", zap.String("backup", path), zap.Error(err))
			continue
		}
		return snap.Products, true
	}
	return nil, false
}
