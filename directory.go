package oob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrContactNotFound is returned by a ContactDirectory that has no entry
// for the requested identity.
var ErrContactNotFound = errors.New("oob: contact not found")

// ContactDirectory is the side channel through which processes exchange
// contact strings before they can talk to each other. Implementations
// must be safe for concurrent use.
type ContactDirectory interface {
	Publish(ctx context.Context, id Identity, contact string) error
	Lookup(ctx context.Context, id Identity) (string, error)
}

// ContactLister is implemented by directories that can enumerate their
// entries.
type ContactLister interface {
	List(ctx context.Context) ([]ContactEntry, error)
}

// ContactEntry is one published contact.
type ContactEntry struct {
	ID        Identity  `json:"id"`
	Contact   string    `json:"contact"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryDirectory is an in-process ContactDirectory, for single-binary
// jobs and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[Identity]ContactEntry
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[Identity]ContactEntry)}
}

func (d *MemoryDirectory) Publish(_ context.Context, id Identity, contact string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = ContactEntry{ID: id, Contact: contact, UpdatedAt: time.Now()}
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, id Identity) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}
	return e.Contact, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]ContactEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ContactEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

// SQLDB abstracts database operations for testability. *sql.DB satisfies
// this interface natively.
type SQLDB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLDirectory stores contacts in the oob_contacts table (see
// MigrateSchema). Written against Postgres.
type SQLDirectory struct {
	db SQLDB
}

func NewSQLDirectory(db SQLDB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Publish(ctx context.Context, id Identity, contact string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO oob_contacts (namespace, rank, contact, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, rank) DO UPDATE
			SET contact    = EXCLUDED.contact,
			    updated_at = now()`,
		int64(id.Namespace), int64(id.Rank), contact)
	if err != nil {
		return fmt.Errorf("contact publish %s: %w", id, err)
	}
	return nil
}

func (d *SQLDirectory) Lookup(ctx context.Context, id Identity) (string, error) {
	var contact string
	err := d.db.QueryRowContext(ctx,
		`SELECT contact FROM oob_contacts WHERE namespace = $1 AND rank = $2`,
		int64(id.Namespace), int64(id.Rank)).Scan(&contact)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrContactNotFound, id)
		}
		return "", fmt.Errorf("contact lookup %s: %w", id, err)
	}
	return contact, nil
}

// List returns every contact, ordered by identity.
func (d *SQLDirectory) List(ctx context.Context) ([]ContactEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT namespace, rank, contact, updated_at FROM oob_contacts
		ORDER BY namespace, rank`)
	if err != nil {
		return nil, fmt.Errorf("contact list: %w", err)
	}
	defer rows.Close()

	var out []ContactEntry
	for rows.Next() {
		var (
			ns, rank int64
			e        ContactEntry
		)
		if err := rows.Scan(&ns, &rank, &e.Contact, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("contact list scan: %w", err)
		}
		e.ID = Identity{Namespace: uint32(ns), Rank: uint32(rank)}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes id's contact.
func (d *SQLDirectory) Remove(ctx context.Context, id Identity) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM oob_contacts WHERE namespace = $1 AND rank = $2`,
		int64(id.Namespace), int64(id.Rank))
	return err
}
