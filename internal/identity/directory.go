// Package identity resolves tool-call targets to contacts in the household
// directory and classifies them for gating (owner / non-owner / unresolvable).
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RoleOwner is the contact role that bypasses standing-rule consultation.
const RoleOwner = "owner"

// Contact is a resolved directory entry.
type Contact struct {
	ID          string
	DisplayName string
	Roles       []string
}

// HasRole reports whether the contact carries the given role.
func (c *Contact) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsOwner reports whether the contact is the household owner.
func (c *Contact) IsOwner() bool {
	return c.HasRole(RoleOwner)
}

// Directory is the read-only identity lookup the resolver depends on.
type Directory interface {
	LookupByChannel(ctx context.Context, channelType, channelValue string) (*Contact, error)
	LookupByID(ctx context.Context, contactID string) (*Contact, error)
}

// ContactStore abstracts the directory DB queries for testability.
type ContactStore interface {
	FetchByChannel(ctx context.Context, channelType, channelValue string) (*contactRow, error)
	FetchByID(ctx context.Context, contactID string) (*contactRow, error)
}

type contactRow struct {
	ID          string
	DisplayName string
	Roles       string // JSONB array as string
}

// sqlContactStore is the real implementation using *sql.DB.
type sqlContactStore struct {
	db *sql.DB
}

func (s *sqlContactStore) FetchByChannel(ctx context.Context, channelType, channelValue string) (*contactRow, error) {
	// Prefer the primary address when the same channel value maps to
	// multiple contacts.
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.display_name, c.roles
		FROM contact_channels ch
		JOIN contacts c ON c.id = ch.contact_id
		WHERE ch.channel_type = $1 AND ch.channel_value = $2
		ORDER BY ch.is_primary DESC, ch.created_at ASC
		LIMIT 1
	`, channelType, channelValue)

	var r contactRow
	if err := row.Scan(&r.ID, &r.DisplayName, &r.Roles); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlContactStore) FetchByID(ctx context.Context, contactID string) (*contactRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, roles
		FROM contacts
		WHERE id = $1
	`, contactID)

	var r contactRow
	if err := row.Scan(&r.ID, &r.DisplayName, &r.Roles); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresDirectory serves contact lookups from the contacts tables with a
// TTL cache in front (directory reads are allowed to be slightly stale).
type PostgresDirectory struct {
	store  ContactStore
	cache  *ContactCache
	logger *zap.Logger
}

// PostgresDirectoryConfig configures the PostgresDirectory.
type PostgresDirectoryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresDirectory creates a directory backed by the given database.
func NewPostgresDirectory(cfg PostgresDirectoryConfig) *PostgresDirectory {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresDirectory{
		store:  &sqlContactStore{db: cfg.DB},
		cache:  NewContactCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresDirectoryWithStore creates a directory with a custom store (for testing).
func newPostgresDirectoryWithStore(store ContactStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresDirectory {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresDirectory{
		store:  store,
		cache:  NewContactCache(cacheTTL),
		logger: logger,
	}
}

func (d *PostgresDirectory) LookupByChannel(ctx context.Context, channelType, channelValue string) (*Contact, error) {
	key := channelType + ":" + channelValue
	return d.lookup(ctx, key, func(ctx context.Context) (*contactRow, error) {
		return d.store.FetchByChannel(ctx, channelType, channelValue)
	})
}

func (d *PostgresDirectory) LookupByID(ctx context.Context, contactID string) (*Contact, error) {
	key := "id:" + contactID
	return d.lookup(ctx, key, func(ctx context.Context) (*contactRow, error) {
		return d.store.FetchByID(ctx, contactID)
	})
}

func (d *PostgresDirectory) lookup(ctx context.Context, key string, fetch func(context.Context) (*contactRow, error)) (*Contact, error) {
	cacheResult := d.cache.Get(key)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go d.refreshInBackground(key, fetch)
		}
		return cacheResult.Contact, nil
	}

	contact, err := d.fetch(ctx, fetch)
	if err != nil {
		if err == sql.ErrNoRows {
			// Negative cache: address not in the directory
			d.cache.Set(key, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("lookup: %w", err)
	}

	d.cache.Set(key, contact)
	return contact, nil
}

func (d *PostgresDirectory) fetch(ctx context.Context, fetch func(context.Context) (*contactRow, error)) (*Contact, error) {
	row, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return parseContactRow(row)
}

func (d *PostgresDirectory) refreshInBackground(key string, fetch func(context.Context) (*contactRow, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contact, err := d.fetch(ctx, fetch)
	if err != nil {
		if err == sql.ErrNoRows {
			d.cache.Set(key, nil)
			return
		}
		d.logger.Warn("background directory refresh failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	d.cache.Set(key, contact)
}

func parseContactRow(row *contactRow) (*Contact, error) {
	c := &Contact{
		ID:          row.ID,
		DisplayName: row.DisplayName,
	}
	if row.Roles != "" && row.Roles != "[]" {
		if err := json.Unmarshal([]byte(row.Roles), &c.Roles); err != nil {
			return nil, fmt.Errorf("parseContactRow: roles: %w", err)
		}
	}
	return c, nil
}
