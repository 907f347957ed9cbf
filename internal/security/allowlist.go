package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"msgrelay/internal/domain"
)

// Policy is the sender admission mode of one platform.
type Policy string

const (
	PolicyOpen      Policy = "open"
	PolicyAllowlist Policy = "allowlist"
)

var ErrNoStore = errors.New("allow-list store not configured")

// PlatformPolicy admits every sender under PolicyOpen; under PolicyAllowlist
// only senders in Static or in the allowed_senders table.
type PlatformPolicy struct {
	Mode   Policy
	Static []string
}

type AllowListConfig struct {
	Policies map[domain.Platform]PlatformPolicy
	DB       *sql.DB // optional; nil means static lists only
	Logger   *slog.Logger
}

// AllowList implements domain.AllowList.
type AllowList struct {
	policies map[domain.Platform]PlatformPolicy
	db       *sql.DB
	logger   *slog.Logger
	now      func() time.Time
}

type Entry struct {
	Platform  domain.Platform
	UserID    string
	AddedAt   time.Time
	ExpiresAt *time.Time
	Note      string
}

func NewAllowList(cfg AllowListConfig) *AllowList {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AllowList{
		policies: cfg.Policies,
		db:       cfg.DB,
		logger:   cfg.Logger.With("component", "allowlist"),
		now:      time.Now,
	}
}

func (a *AllowList) IsAllowed(ctx context.Context, platform domain.Platform, userID string) (bool, error) {
	pol, ok := a.policies[platform]
	if !ok || pol.Mode != PolicyAllowlist {
		return true, nil
	}
	if slices.Contains(pol.Static, userID) {
		return true, nil
	}
	if a.db == nil {
		return false, nil
	}

	var expires sql.NullTime
	err := a.db.QueryRowContext(ctx,
		`SELECT expires_at FROM allowed_senders WHERE platform = ? AND user_id = ?`,
		string(platform), userID,
	).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allow-list: %w", err)
	}
	if expires.Valid && !a.now().Before(expires.Time) {
		return false, nil
	}
	return true, nil
}

// Add stores a sender. A ttl of zero never expires. Adding an existing
// sender replaces its entry.
func (a *AllowList) Add(ctx context.Context, platform domain.Platform, userID string, ttl time.Duration, note string) error {
	if a.db == nil {
		return ErrNoStore
	}
	now := a.now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO allowed_senders (platform, user_id, added_at, expires_at, note)
		 VALUES (?, ?, ?, ?, ?)`,
		string(platform), userID, now, expiresAt, note,
	)
	if err != nil {
		return fmt.Errorf("add allowed sender: %w", err)
	}
	a.logger.Info("sender allowed", "platform", platform, "user_id", userID)
	return nil
}

// Remove deletes a sender and reports whether it existed.
func (a *AllowList) Remove(ctx context.Context, platform domain.Platform, userID string) (bool, error) {
	if a.db == nil {
		return false, ErrNoStore
	}
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM allowed_senders WHERE platform = ? AND user_id = ?",
		string(platform), userID,
	)
	if err != nil {
		return false, fmt.Errorf("remove allowed sender: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns stored senders, all platforms when platform is empty.
func (a *AllowList) List(ctx context.Context, platform domain.Platform) ([]Entry, error) {
	if a.db == nil {
		return nil, ErrNoStore
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT platform, user_id, added_at, expires_at, note FROM allowed_senders
		 WHERE ? = '' OR platform = ?
		 ORDER BY platform, user_id`,
		string(platform), string(platform),
	)
	if err != nil {
		return nil, fmt.Errorf("list allowed senders: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			p       string
			expires sql.NullTime
			note    sql.NullString
		)
		if err := rows.Scan(&p, &e.UserID, &e.AddedAt, &expires, &note); err != nil {
			return nil, fmt.Errorf("scan allowed sender: %w", err)
		}
		e.Platform = domain.Platform(p)
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}
