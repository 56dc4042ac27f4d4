package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "countbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadGuilds(ctx context.Context) ([]GuildRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, mode, COALESCE(role_id, ''), updated_at FROM guilds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]*GuildRecord{}
	var order []string
	for rows.Next() {
		var rec GuildRecord
		var at string
		if err := rows.Scan(&rec.GuildID, &rec.Mode, &rec.RoleID, &at); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			rec.UpdatedAt = t
		}
		byID[rec.GuildID] = &rec
		order = append(order, rec.GuildID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx, `SELECT guild_id, channel_id, name FROM guild_channels`)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var gid string
		var ch ChannelRecord
		if err := crows.Scan(&gid, &ch.ID, &ch.Name); err != nil {
			return nil, err
		}
		if rec := byID[gid]; rec != nil {
			rec.Channels = append(rec.Channels, ch)
		}
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	out := make([]GuildRecord, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *sqliteStore) SaveGuild(ctx context.Context, rec GuildRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.GuildID) == "" {
		return errors.New("guild id is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO guilds(guild_id, mode, role_id, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET mode=excluded.mode, role_id=excluded.role_id, updated_at=excluded.updated_at`,
		rec.GuildID, rec.Mode, nullStr(rec.RoleID), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	// Replace the channel set wholesale; the set is small.
	if _, err := tx.ExecContext(ctx, `DELETE FROM guild_channels WHERE guild_id = ?`, rec.GuildID); err != nil {
		return err
	}
	for _, ch := range rec.Channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO guild_channels(guild_id, channel_id, name) VALUES(?,?,?)`,
			rec.GuildID, ch.ID, ch.Name,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) DeleteGuild(ctx context.Context, guildID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM guild_channels WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM guilds WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, guild_id, channel_id, action, target, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorName), nullStr(e.GuildID),
		nullStr(e.ChannelID), e.Action, nullStr(e.Target), nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
