package geocode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"crewroute/internal/opt"
)

// Cache maps normalized addresses to coordinates in a local SQLite file.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (or creates) the cache database. ":memory:" is accepted for tests.
func OpenCache(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("geocode cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open geocode cache: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS geocode_cache (
			address    TEXT PRIMARY KEY,
			lat        REAL NOT NULL,
			lng        REAL NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init geocode cache: %w", err)
		}
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Normalize lowercases and collapses whitespace so trivially different spellings share an entry.
func Normalize(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

// Get returns the cached coordinate, with ok=false on a miss.
func (c *Cache) Get(ctx context.Context, address string) (opt.Location, bool, error) {
	var loc opt.Location
	err := c.db.QueryRowContext(ctx, `SELECT lat, lng FROM geocode_cache WHERE address = ?`, Normalize(address)).Scan(&loc.Lat, &loc.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return opt.Location{}, false, nil
	}
	if err != nil {
		return opt.Location{}, false, fmt.Errorf("get geocode cache: %w", err)
	}
	return loc, true, nil
}

func (c *Cache) Put(ctx context.Context, address string, loc opt.Location) error {
	key := Normalize(address)
	if key == "" {
		return fmt.Errorf("insert geocode cache: empty address key")
	}
	_, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO geocode_cache (address, lat, lng) VALUES (?, ?, ?)`, key, loc.Lat, loc.Lng)
	if err != nil {
		return fmt.Errorf("insert geocode cache %q: %w", key, err)
	}
	return nil
}

// CachedGeocoder consults the cache before the wrapped geocoder and stores fresh answers.
type CachedGeocoder struct {
	Cache *Cache
	Next  Geocoder
}

func (g *CachedGeocoder) Geocode(ctx context.Context, address string) (opt.Location, error) {
	if loc, ok, err := g.Cache.Get(ctx, address); err != nil {
		log.Printf("[GEOCODE] cache read failed address=%q err=%v", address, err)
	} else if ok {
		return loc, nil
	}
	loc, err := g.Next.Geocode(ctx, address)
	if err != nil {
		return opt.Location{}, err
	}
	if err := g.Cache.Put(ctx, address, loc); err != nil {
		log.Printf("[GEOCODE] cache write failed address=%q err=%v", address, err)
	}
	return loc, nil
}
