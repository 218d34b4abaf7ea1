// Package catalog keeps a local index of the rasters available in an object store,
// so listings do not hit the store on every request.
package catalog

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tingold/cogview"
)

// Object is one indexed object.
type Object struct {
	ID           uint      `gorm:"primaryKey"`
	Key          string    `gorm:"column:object_key;uniqueIndex;not null"`
	Prefix       string    `gorm:"index;not null"` // listing prefix that produced the row
	Size         int64     `gorm:"not null"`
	LastModified time.Time
	RefreshID    string    `gorm:"size:36;index"`
	RefreshedAt  time.Time `gorm:"not null"`
}

// Catalog is a sqlite-backed object index.
type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog database at path.
// ":memory:" gives a private in-memory catalog.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access catalog connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Object{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Refresh lists prefix in store and replaces the rows previously indexed under it.
// It returns the number of objects indexed.
func (c *Catalog) Refresh(ctx context.Context, store cogview.ObjectStore, prefix string) (int, error) {
	objects, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	refreshID := uuid.NewString()
	now := time.Now().UTC()
	rows := make([]Object, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, Object{
			Key:          o.Key,
			Prefix:       prefix,
			Size:         o.Size,
			LastModified: o.LastModified.UTC(),
			RefreshID:    refreshID,
			RefreshedAt:  now,
		})
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("prefix = ?", prefix).Delete(&Object{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		// a key may already be indexed under an overlapping prefix
		keys := make([]string, len(rows))
		for i, r := range rows {
			keys[i] = r.Key
		}
		if err := tx.Where("object_key IN ?", keys).Delete(&Object{}).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store listing for %q: %w", prefix, err)
	}
	return len(rows), nil
}

// List returns indexed objects whose key starts with prefix, ordered by key.
func (c *Catalog) List(ctx context.Context, prefix string) ([]cogview.ObjectInfo, error) {
	var rows []Object
	err := c.db.WithContext(ctx).
		Where(`object_key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Order("object_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}

	out := make([]cogview.ObjectInfo, len(rows))
	for i, r := range rows {
		out[i] = cogview.ObjectInfo{Key: r.Key, Size: r.Size, LastModified: r.LastModified}
	}
	return out, nil
}

// LastRefresh returns when prefix was last refreshed, or the zero time if never.
func (c *Catalog) LastRefresh(ctx context.Context, prefix string) (time.Time, error) {
	var row Object
	err := c.db.WithContext(ctx).Where("prefix = ?", prefix).Order("refreshed_at DESC").Limit(1).Find(&row).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query catalog: %w", err)
	}
	return row.RefreshedAt, nil
}

// Run refreshes every prefix immediately and then every interval until ctx is done.
// Refresh failures are logged and retried at the next tick.
func (c *Catalog) Run(ctx context.Context, store cogview.ObjectStore, prefixes []string, interval time.Duration) error {
	refreshAll := func() {
		for _, p := range prefixes {
			n, err := c.Refresh(ctx, store, p)
			if err != nil {
				log.Printf("catalog: refresh %q failed: %v", p, err)
				continue
			}
			log.Printf("catalog: indexed %d objects under %q", n, p)
		}
	}

	refreshAll()
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refreshAll()
		}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
