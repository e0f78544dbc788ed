package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/stashd/stashd/internal/codec"
	"github.com/stashd/stashd/internal/store/account"
	accountBadger "github.com/stashd/stashd/internal/store/account/badger"
	accountMemory "github.com/stashd/stashd/internal/store/account/memory"
	accountSqlite "github.com/stashd/stashd/internal/store/account/sqlite"
	"github.com/stashd/stashd/internal/store/file"
)

// CreateAccountStore builds the account store selected by cfg.Type,
// decoding the matching options map. All backends root their per-user
// namespaces under storageRoot.
func CreateAccountStore(cfg *AccountsConfig, storageRoot string) (account.Store, error) {
	switch cfg.Type {
	case "memory":
		return accountMemory.New(storageRoot)
	case "sqlite":
		return createSqliteAccountStore(cfg.Sqlite, storageRoot)
	case "badger":
		return createBadgerAccountStore(cfg.Badger, storageRoot)
	default:
		return nil, fmt.Errorf("unknown account store type: %q", cfg.Type)
	}
}

func createSqliteAccountStore(options map[string]any, storageRoot string) (account.Store, error) {
	type sqliteConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg sqliteConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode sqlite account store config: %w", err)
	}
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("sqlite account store: path is required")
	}

	store, err := accountSqlite.New(storageRoot, storeCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite account store: %w", err)
	}
	return store, nil
}

func createBadgerAccountStore(options map[string]any, storageRoot string) (account.Store, error) {
	type badgerConfig struct {
		DBPath string `mapstructure:"db_path"`
	}

	var storeCfg badgerConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger account store config: %w", err)
	}
	if storeCfg.DBPath == "" {
		return nil, fmt.Errorf("badger account store: db_path is required")
	}

	store, err := accountBadger.New(storageRoot, storeCfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger account store: %w", err)
	}
	return store, nil
}

// CreateFileStore builds the file store over the configured root and
// staging directory, with the XOR codec keyed from the config.
func CreateFileStore(cfg *StorageConfig) (*file.Store, error) {
	c, err := codec.NewXOR(cfg.CodecKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	store, err := file.New(cfg.Root, cfg.StagingDir, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create file store: %w", err)
	}
	return store, nil
}
