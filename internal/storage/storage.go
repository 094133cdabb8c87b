package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Record keys. The archives record holds custom templates only.
const (
	KeyProfile  = "profile"
	KeyArchives = "archives"
)

type Storage struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
}

func New(dbPath string, logger *zap.Logger) (*Storage, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 只允许一个写连接
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, logger: logger.Named("storage")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库表失败: %w", err)
	}

	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL, -- JSON document
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// put overwrites the whole record in a single statement, so every save is a
// self-consistent snapshot.
func (s *Storage) put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化 %s 失败: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	return nil
}

// get returns nil data when the record does not exist.
func (s *Storage) get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", key, err)
	}
	return []byte(value), nil
}

// Profile operations

// LoadProfile returns nil when no usable profile is stored. A record that
// does not parse is logged and treated as absent.
func (s *Storage) LoadProfile() (*models.UserProfile, error) {
	data, err := s.get(KeyProfile)
	if err != nil || data == nil {
		return nil, err
	}

	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		s.logger.Warn("profile record is corrupted, ignoring", zap.Error(err))
		return nil, nil
	}
	return &profile, nil
}

func (s *Storage) SaveProfile(profile models.UserProfile) error {
	return s.put(KeyProfile, profile)
}

// Archive operations

// LoadArchives decodes the custom template list. The list is repaired entry
// by entry: entries that fail to decode, lack an id, or repeat an earlier id
// are dropped, and a saved state takes its template's id. An unparseable
// record yields an empty list.
func (s *Storage) LoadArchives() ([]models.WorldTemplate, error) {
	data, err := s.get(KeyArchives)
	if err != nil || data == nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("archives record is corrupted, ignoring", zap.Error(err))
		return nil, nil
	}

	templates := make([]models.WorldTemplate, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, entry := range raw {
		var tpl models.WorldTemplate
		if err := json.Unmarshal(entry, &tpl); err != nil {
			s.logger.Warn("dropping malformed archive entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		if tpl.ID == "" || seen[tpl.ID] {
			s.logger.Warn("dropping archive entry with missing or duplicate id", zap.Int("index", i), zap.String("id", tpl.ID))
			continue
		}
		seen[tpl.ID] = true
		// 存档中只有自定义世界
		tpl.IsCustom = true
		if tpl.SavedState != nil {
			tpl.SavedState.IsCustom = true
			// 存档与模板以 id 关联
			if tpl.SavedState.ID != tpl.ID {
				s.logger.Warn("repairing saved state id", zap.String("id", tpl.ID), zap.String("saved_id", tpl.SavedState.ID))
				tpl.SavedState.ID = tpl.ID
			}
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

func (s *Storage) SaveArchives(templates []models.WorldTemplate) error {
	if templates == nil {
		templates = []models.WorldTemplate{}
	}
	return s.put(KeyArchives, templates)
}
