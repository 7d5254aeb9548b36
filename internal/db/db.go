// Package db persists discovery history and node statistics in sqlite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lux/internal/httputil"
	"github.com/banshee-data/lux/internal/lux/bus"
	"github.com/banshee-data/lux/internal/lux/wire"
	"github.com/banshee-data/lux/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

var _ bus.Store = (*DB)(nil)

var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
}

// OpenDB opens the database at path and applies connection pragmas without
// touching the schema. ":memory:" opens a private in-memory database.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps in-memory databases shared and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Open opens the database and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RecordDiscovery implements bus.Store.
func (db *DB) RecordDiscovery(ctx context.Context, ev bus.DiscoveryEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO discovery_events (ts_unix_ns, address, uri, outcome, length, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixNano(), int64(ev.Address), ev.URI, string(ev.Outcome), ev.Length, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert discovery event: %w", err)
	}
	return nil
}

// DiscoveryEvents returns up to limit events for addr, newest first.
func (db *DB) DiscoveryEvents(ctx context.Context, addr uint32, limit int) ([]bus.DiscoveryEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_ns, address, uri, outcome, length, detail
		FROM discovery_events
		WHERE address = ?
		ORDER BY ts_unix_ns DESC, event_id DESC
		LIMIT ?`, int64(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("query discovery events: %w", err)
	}
	defer rows.Close()

	var events []bus.DiscoveryEvent
	for rows.Next() {
		var (
			ts, address int64
			ev          bus.DiscoveryEvent
			outcome     string
		)
		if err := rows.Scan(&ts, &address, &ev.URI, &outcome, &ev.Length, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(0, ts)
		ev.Address = uint32(address)
		ev.Outcome = bus.DiscoveryOutcome(outcome)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// NodeStats is one snapshot of a node's packet counters.
type NodeStats struct {
	Time    time.Time
	Address uint32
	URI     string
	Stats   wire.Stats
}

// RecordNodeStats stores a counter snapshot.
func (db *DB) RecordNodeStats(ctx context.Context, s NodeStats) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO node_stats (ts_unix_ns, address, uri, good, malformed, overrun, bad_crc, rx_interrupted, wrong_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Time.UnixNano(), int64(s.Address), s.URI,
		s.Stats.Good, s.Stats.Malformed, s.Stats.Overrun, s.Stats.BadCRC, s.Stats.RxInterrupted, s.Stats.WrongAddress)
	if err != nil {
		return fmt.Errorf("insert node stats: %w", err)
	}
	return nil
}

// NodeStatsHistory returns up to limit snapshots for addr, newest first.
func (db *DB) NodeStatsHistory(ctx context.Context, addr uint32, limit int) ([]NodeStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_ns, address, uri, good, malformed, overrun, bad_crc, rx_interrupted, wrong_address
		FROM node_stats
		WHERE address = ?
		ORDER BY ts_unix_ns DESC, snapshot_id DESC
		LIMIT ?`, int64(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("query node stats: %w", err)
	}
	defer rows.Close()

	var out []NodeStats
	for rows.Next() {
		var (
			ts, address int64
			s           NodeStats
		)
		if err := rows.Scan(&ts, &address, &s.URI,
			&s.Stats.Good, &s.Stats.Malformed, &s.Stats.Overrun, &s.Stats.BadCRC, &s.Stats.RxInterrupted, &s.Stats.WrongAddress); err != nil {
			return nil, err
		}
		s.Time = time.Unix(0, ts)
		s.Address = uint32(address)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type eventJSON struct {
	Time    time.Time `json:"time"`
	Address string    `json:"address"`
	URI     string    `json:"uri"`
	Outcome string    `json:"outcome"`
	Length  int       `json:"length"`
	Detail  string    `json:"detail,omitempty"`
}

type statsJSON struct {
	Time    time.Time  `json:"time"`
	Address string     `json:"address"`
	URI     string     `json:"uri"`
	Stats   wire.Stats `json:"stats"`
}

// historyParams reads ?address=&limit= for the history routes.
func historyParams(w http.ResponseWriter, r *http.Request) (addr uint32, limit int, ok bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return 0, 0, false
	}
	q := r.URL.Query()
	addr, err := httputil.AddressParam(q, "address")
	if err == nil {
		limit, err = httputil.IntParam(q, "limit", defaultHistoryLimit, maxHistoryLimit)
	}
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return 0, 0, false
	}
	return addr, limit, true
}

func (db *DB) serveEvents(w http.ResponseWriter, r *http.Request) {
	addr, limit, ok := historyParams(w, r)
	if !ok {
		return
	}
	events, err := db.DiscoveryEvents(r.Context(), addr, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON{
			Time:    ev.Time.UTC(),
			Address: fmt.Sprintf("0x%08x", ev.Address),
			URI:     ev.URI,
			Outcome: string(ev.Outcome),
			Length:  ev.Length,
			Detail:  ev.Detail,
		})
	}
	if err := httputil.WriteJSON(w, http.StatusOK, out); err != nil {
		monitoring.Logf("write discovery events: %v", err)
	}
}

func (db *DB) serveStats(w http.ResponseWriter, r *http.Request) {
	addr, limit, ok := historyParams(w, r)
	if !ok {
		return
	}
	snaps, err := db.NodeStatsHistory(r.Context(), addr, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]statsJSON, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, statsJSON{
			Time:    s.Time.UTC(),
			Address: fmt.Sprintf("0x%08x", s.Address),
			URI:     s.URI,
			Stats:   s.Stats,
		})
	}
	if err := httputil.WriteJSON(w, http.StatusOK, out); err != nil {
		monitoring.Logf("write node stats: %v", err)
	}
}

// AttachAdminRoutes mounts a tailsql console, a backup download and the
// discovery and statistics history under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Lux DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	debug.HandleSilentFunc("lux-events.json", db.serveEvents)
	debug.HandleSilentFunc("lux-stats.json", db.serveStats)
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("lux-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("backup copy failed: %v", err)
	}
}
