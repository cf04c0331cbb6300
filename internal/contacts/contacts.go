// Package contacts loads the local macOS address book into an in-memory
// index keyed by every normalized identifier variant a contact is known by,
// and answers point lookups for the rest of the system.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/AJCubed/tether/internal/identity"
	"github.com/AJCubed/tether/internal/store"
)

// Apple Core Data reference date offset (seconds between 2001-01-01 and the
// Unix epoch). Birthdays in the address book are stored relative to it.
const appleEpochOffset = 978307200

// ContactInfo is an immutable snapshot of one address book entry.
type ContactInfo struct {
	Name         string  `json:"name"`
	Birthday     *string `json:"birthday,omitempty"`
	Organization *string `json:"organization,omitempty"`
	JobTitle     *string `json:"jobTitle,omitempty"`
	Note         *string `json:"note,omitempty"`
}

// Sink receives contact-only upserts after a successful load. Satisfied by
// *store.Store.
type Sink interface {
	UpsertContact(chatID, sender string, fields store.ContactFields) error
}

// Directory indexes address book contacts by normalized identifier.
// Construct with New and call Load before expecting Lookup hits; Lookup
// never blocks on a load in progress.
type Directory struct {
	paths []string
	sink  Sink
	log   *zap.Logger

	mu       sync.Mutex
	loaded   bool
	inflight chan struct{}
	loadErr  error
	entries  map[string]ContactInfo

	sync *SyncHandle
}

// SyncHandle tracks the best-effort push of directory entries into the
// conversation store. Callers may await it or ignore it.
type SyncHandle struct {
	done chan struct{}
}

// Done returns a channel closed when the push has finished (successfully or
// not; push failures are logged, never surfaced).
func (h *SyncHandle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Wait blocks until the push finishes or ctx is cancelled.
func (h *SyncHandle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates a directory over the given address book database paths.
// sink may be nil to disable the post-load store sync.
func New(paths []string, sink Sink, log *zap.Logger) *Directory {
	return &Directory{paths: paths, sink: sink, log: log, entries: map[string]ContactInfo{}}
}

// DefaultPaths returns the primary AddressBook database plus any synced
// source databases under the user's home. Missing files are skipped.
func DefaultPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var paths []string
	main := filepath.Join(home, "Library", "Application Support", "AddressBook", "AddressBook-v22.abcddb")
	if _, err := os.Stat(main); err == nil {
		paths = append(paths, main)
	}
	sourcesDir := filepath.Join(home, "Library", "Application Support", "AddressBook", "Sources")
	sources, err := os.ReadDir(sourcesDir)
	if err != nil {
		return paths
	}
	for _, src := range sources {
		p := filepath.Join(sourcesDir, src.Name(), "AddressBook-v22.abcddb")
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// Loaded reports whether a load has completed.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Load reads every configured address book database and builds the index.
// Concurrent callers collapse into a single read (single-flight); once
// loaded, subsequent calls return immediately. No database files is not an
// error; the index is simply empty.
//
// On success the entries are pushed asynchronously into the sink as
// contact-only upserts; the returned handle tracks that push.
func (d *Directory) Load(ctx context.Context) (*SyncHandle, error) {
	d.mu.Lock()
	if d.loaded {
		h := d.sync
		err := d.loadErr
		d.mu.Unlock()
		return h, err
	}
	if d.inflight != nil {
		wait := d.inflight
		d.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		d.mu.Lock()
		h, err := d.sync, d.loadErr
		d.mu.Unlock()
		return h, err
	}
	d.inflight = make(chan struct{})
	d.mu.Unlock()

	entries, err := d.read(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = true
	d.loadErr = err
	close(d.inflight)
	if err != nil {
		return nil, err
	}
	d.entries = entries
	d.sync = d.startSync(entries)
	d.log.Info("contact directory loaded",
		zap.Int("identifiers", len(entries)),
		zap.Int("databases", len(d.paths)))
	return d.sync, nil
}

// Lookup resolves an identifier to its contact snapshot. Returns nil until
// Load has completed, and nil on a miss. Emails match by lowercased exact
// key; everything else is stripped to digits and probed as full number,
// last 10, then last 7.
func (d *Directory) Lookup(identifier string) *ContactInfo {
	d.mu.Lock()
	if !d.loaded {
		d.mu.Unlock()
		return nil
	}
	entries := d.entries
	d.mu.Unlock()

	if identity.IsEmail(identifier) {
		if info, ok := entries[strings.ToLower(identifier)]; ok {
			return &info
		}
		return nil
	}
	digits := identity.Digits(identifier)
	if digits == "" {
		return nil
	}
	for _, key := range []string{digits, identity.LastN(digits, 10), identity.LastN(digits, 7)} {
		if info, ok := entries[key]; ok {
			return &info
		}
	}
	return nil
}

func (d *Directory) read(ctx context.Context) (map[string]ContactInfo, error) {
	entries := make(map[string]ContactInfo)
	for _, path := range d.paths {
		if _, err := os.Stat(path); err != nil {
			d.log.Warn("address book database missing", zap.String("path", path))
			continue
		}
		if err := d.readOne(ctx, path, entries); err != nil {
			return nil, fmt.Errorf("read address book %s: %w", path, err)
		}
	}
	return entries, nil
}

// readOne merges one database's contacts into entries. Keys are
// first-writer-wins: when two contacts share a phone suffix, the contact
// from the earliest database keeps the key, so resolution stays
// deterministic across loads.
func (d *Directory) readOne(ctx context.Context, path string, entries map[string]ContactInfo) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	byID, err := readContactRows(ctx, db)
	if err != nil {
		return err
	}

	phones, err := db.QueryContext(ctx, `
		SELECT ZOWNER, ZFULLNUMBER
		FROM ZABCDPHONENUMBER
		WHERE ZFULLNUMBER IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("query phone numbers: %w", err)
	}
	defer phones.Close()
	for phones.Next() {
		var owner int64
		var number string
		if err := phones.Scan(&owner, &number); err != nil {
			return fmt.Errorf("scan phone number: %w", err)
		}
		info, ok := byID[owner]
		if !ok {
			continue
		}
		digits := identity.Digits(number)
		if len(digits) < 7 {
			continue
		}
		putIfAbsent(entries, digits, info)
		if len(digits) >= 10 {
			putIfAbsent(entries, identity.LastN(digits, 10), info)
		}
		putIfAbsent(entries, identity.LastN(digits, 7), info)
	}
	if err := phones.Err(); err != nil {
		return fmt.Errorf("iterate phone numbers: %w", err)
	}

	emails, err := db.QueryContext(ctx, `
		SELECT ZOWNER, ZADDRESS
		FROM ZABCDEMAILADDRESS
		WHERE ZADDRESS IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("query emails: %w", err)
	}
	defer emails.Close()
	for emails.Next() {
		var owner int64
		var address string
		if err := emails.Scan(&owner, &address); err != nil {
			return fmt.Errorf("scan email: %w", err)
		}
		info, ok := byID[owner]
		if !ok {
			continue
		}
		putIfAbsent(entries, strings.ToLower(address), info)
	}
	return emails.Err()
}

func readContactRows(ctx context.Context, db *sql.DB) (map[int64]ContactInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.Z_PK, c.ZFIRSTNAME, c.ZLASTNAME, c.ZORGANIZATION,
		       c.ZJOBTITLE, c.ZBIRTHDAY, n.ZTEXT
		FROM ZABCDRECORD c
		LEFT JOIN ZABCDNOTE n ON n.Z_PK = c.ZNOTE
		WHERE c.ZFIRSTNAME IS NOT NULL OR c.ZLASTNAME IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]ContactInfo)
	for rows.Next() {
		var id int64
		var first, last, org, job, note sql.NullString
		var birthday sql.NullFloat64
		if err := rows.Scan(&id, &first, &last, &org, &job, &birthday, &note); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}

		name := strings.TrimSpace(first.String + " " + last.String)
		if name == "" {
			name = "Unknown"
		}
		info := ContactInfo{Name: name}
		if org.Valid && org.String != "" {
			info.Organization = &org.String
		}
		if job.Valid && job.String != "" {
			info.JobTitle = &job.String
		}
		if note.Valid && note.String != "" {
			info.Note = &note.String
		}
		if birthday.Valid {
			bday := time.Unix(int64(birthday.Float64)+appleEpochOffset, 0).UTC().Format("2006-01-02")
			info.Birthday = &bday
		}
		byID[id] = info
	}
	return byID, rows.Err()
}

func putIfAbsent(entries map[string]ContactInfo, key string, info ContactInfo) {
	if _, ok := entries[key]; !ok {
		entries[key] = info
	}
}

// startSync pushes directory entries into the sink in the background.
// One upsert per distinct contact (multiple keys point at the same person).
// Failures are logged and never surfaced: the store sync is opportunistic.
func (d *Directory) startSync(entries map[string]ContactInfo) *SyncHandle {
	h := &SyncHandle{done: make(chan struct{})}
	if d.sink == nil {
		close(h.done)
		return h
	}
	go func() {
		defer close(h.done)
		// Longest key first so a contact's full number (or email) is the
		// one that lands in the store, not a bare suffix.
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) > len(keys[j])
			}
			return keys[i] < keys[j]
		})

		seen := make(map[string]struct{})
		synced := 0
		for _, key := range keys {
			info := entries[key]
			dedupe := info.Name + "\x00" + deref(info.Birthday) + "\x00" + deref(info.Organization)
			if _, ok := seen[dedupe]; ok {
				continue
			}
			seen[dedupe] = struct{}{}

			name := info.Name
			err := d.sink.UpsertContact(key, key, store.ContactFields{
				SenderName:   &name,
				Birthday:     info.Birthday,
				Organization: info.Organization,
				JobTitle:     info.JobTitle,
			})
			if err != nil {
				d.log.Warn("contact sync upsert failed",
					zap.String("identifier", key), zap.Error(err))
				continue
			}
			synced++
		}
		d.log.Info("contact sync finished", zap.Int("synced", synced))
	}()
	return h
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
