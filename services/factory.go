package services

import (
	"context"
	"errors"
	"log"

	"cse_feed_backend/config"
)

// OpenStore builds the snapshot store described by STORE_CREDS.
// A missing or unusable configuration is logged once and yields an
// UnavailableStore instead of an error, so the scheduler keeps running.
func OpenStore(ctx context.Context, cfg *config.Config) Store {
	creds, err := cfg.StoreCredentials()
	if err != nil {
		if errors.Is(err, config.ErrStoreCredsMissing) {
			log.Println("Warning: STORE_CREDS not set, snapshot storage disabled")
		} else {
			log.Printf("Warning: invalid STORE_CREDS, snapshot storage disabled: %v", err)
		}
		return &UnavailableStore{Reason: err.Error()}
	}

	store, err := openStore(ctx, creds, cfg.Environment)
	if err != nil {
		log.Printf("Warning: failed to open %s store, snapshot storage disabled: %v", creds.Driver, err)
		return &UnavailableStore{Reason: err.Error()}
	}
	log.Printf("Snapshot store ready (driver=%s)", creds.Driver)
	return store
}

func openStore(ctx context.Context, creds config.StoreCredentials, environment string) (Store, error) {
	switch creds.Driver {
	case config.StoreDriverPostgres:
		db, err := config.OpenPostgres(creds.URI, environment)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db)
	case config.StoreDriverSQLite:
		return NewSQLiteStore(creds.URI)
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return NewMongoStore(ctx, creds.URI, creds.Database)
	}
}

// NewFetcher returns the fetcher selected by the source mode
func NewFetcher(cfg *config.Config) Fetcher {
	if cfg.Source.Mode == config.SourceModeAPI {
		return NewJSONAPIFetcher(cfg.Source.APIURL, cfg.Source.Timeout)
	}
	return NewHTMLTableFetcher(cfg.Source.URL, cfg.Source.Timeout)
}
