package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"flowids/adapters/filestore"
	"flowids/adapters/ledger"
	"flowids/domain/core"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/ports"
)

// migrate backfills the run ledger from archived artifact directories. Every
// directory holding a run manifest at the configured relative path is
// recorded, together with its training history and verification report when
// those exist.
func main() {
	logger := internal.NewDefaultLogger().WithComponent("migrate")
	defer logger.Sync()

	if len(os.Args) < 3 {
		logger.Error("usage: migrate <database_url> <artifacts_root>")
		os.Exit(2)
	}
	databaseURL := os.Args[1]
	root := os.Args[2]

	cfg := config.Default()
	lcfg := config.LedgerConfig{Driver: driverFor(databaseURL), DSN: databaseURL}
	logger.Info("backfilling %s ledger from %s", lcfg.Driver, root)

	ctx := context.Background()
	l, err := ledger.Open(ctx, lcfg, logger)
	if err != nil {
		logger.Error("failed to open ledger: %v", err)
		os.Exit(1)
	}
	defer l.Close()

	dirs, err := findArtifactDirs(root, cfg.Paths.Manifest)
	if err != nil {
		logger.Error("failed to scan %s: %v", root, err)
		os.Exit(1)
	}
	logger.Info("found %d run manifests", len(dirs))

	migrated, skipped := 0, 0
	for _, dir := range dirs {
		rec, err := loadRunRecord(ctx, cfg, dir, logger)
		if core.IsDeterminismError(err) {
			logger.Warn("skipping %s: manifest was modified after the run sealed it: %v", dir, err)
			skipped++
			continue
		}
		if err != nil {
			logger.Warn("skipping %s: %v", dir, err)
			skipped++
			continue
		}
		if err := l.RecordRun(ctx, rec); err != nil {
			logger.Warn("failed to record run %s: %v", rec.Manifest.RunID, err)
			skipped++
			continue
		}
		migrated++
		logger.Info("recorded run %s from %s", rec.Manifest.RunID, dir)
	}

	logger.Info("migration complete: %d migrated, %d skipped", migrated, skipped)
	if skipped > 0 {
		os.Exit(1)
	}
}

func driverFor(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "postgres"
	}
	return "sqlite3"
}

// findArtifactDirs returns every directory d under root where d/manifestRel exists
func findArtifactDirs(root, manifestRel string) ([]string, error) {
	var dirs []string
	suffix := string(filepath.Separator) + filepath.Clean(manifestRel)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}
		dirs = append(dirs, strings.TrimSuffix(path, suffix))
		return nil
	})
	return dirs, err
}

func loadRunRecord(ctx context.Context, base *config.Config, dir string, logger *internal.Logger) (ports.RunRecord, error) {
	cfg := *base
	cfg.Paths.ArtifactDir = dir
	store := filestore.New(&cfg, logger)

	m, err := store.LoadManifest(ctx)
	if err != nil {
		return ports.RunRecord{}, err
	}
	if err := m.Validate(); err != nil {
		return ports.RunRecord{}, err
	}
	rec := ports.RunRecord{Manifest: m}

	if h, err := store.LoadHistory(ctx); err == nil {
		rec.History = h
	} else if !core.IsNotFoundError(err) {
		return ports.RunRecord{}, err
	}
	if v, err := store.LoadVerification(ctx); err == nil {
		rec.Verification = v
	} else if !core.IsNotFoundError(err) {
		return ports.RunRecord{}, err
	}
	return rec, nil
}
