package static

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/metro-rt/gtfsrt-bridge/internal/config"
	"github.com/metro-rt/gtfsrt-bridge/internal/static/gtfs"
)

// RefreshIfStale downloads the GTFS zip when it is missing or older than the
// configured refresh age. Without a GTFS_URL the existing file is used as is.
func RefreshIfStale(ctx context.Context, cfg *config.Config) error {
	if !isStaleOrMissing(cfg.GTFSPath, cfg.StaticRefreshDays) {
		log.Println("Static GTFS is fresh, skipping refresh")
		return nil
	}

	if cfg.GTFSURL == "" {
		log.Println("Static GTFS is stale or missing but GTFS_URL is not configured, skipping refresh")
		return nil
	}

	log.Printf("Refreshing static GTFS from %s...", cfg.GTFSURL)
	return gtfs.Download(ctx, cfg.GTFSURL, cfg.GTFSPath)
}

func isStaleOrMissing(path string, maxAgeDays int) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return true
	}

	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	return time.Since(info.ModTime()) > maxAge
}
