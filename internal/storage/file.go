package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "countbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout under the configured directory:
//   - guilds/<guild_id>.json  (one document per guild)
//   - audit.jsonl             (append-only JSON Lines)
//
// Writes go through a temp file + rename so a crash mid-write never leaves
// a truncated guild document behind.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dir       string
	guildsDir string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	guildsDir := filepath.Join(dir, "guilds")
	if err := os.MkdirAll(guildsDir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, dir: dir, guildsDir: guildsDir, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadGuilds(ctx context.Context) ([]GuildRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := os.ReadDir(s.guildsDir)
	if err != nil {
		return nil, err
	}

	var out []GuildRecord
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.guildsDir, ent.Name()))
		if err != nil {
			s.log.Warn("guild record unreadable; skipping", logx.String("file", ent.Name()), logx.Err(err))
			continue
		}
		var rec GuildRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			s.log.Warn("guild record corrupt; skipping", logx.String("file", ent.Name()), logx.Err(err))
			continue
		}
		if rec.GuildID == "" {
			rec.GuildID = strings.TrimSuffix(ent.Name(), ".json")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fileStore) SaveGuild(ctx context.Context, rec GuildRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.GuildID) == "" {
		return errors.New("guild id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.guildPath(rec.GuildID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) DeleteGuild(ctx context.Context, guildID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.guildPath(guildID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) guildPath(guildID string) string {
	return filepath.Join(s.guildsDir, sanitizeName(guildID)+".json")
}

// sanitizeName keeps guild ids filesystem-safe. Platform ids are numeric
// snowflakes in practice, but don't trust that.
func sanitizeName(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
