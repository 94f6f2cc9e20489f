package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	cacheapp "github.com/stacklok/socrata-cache/internal/app"
	"github.com/stacklok/socrata-cache/internal/config"
)

// Environment variables of the process settings
const (
	EnvConfigFile        = config.EnvPrefix + "_CONFIG_FILE"
	EnvDataDir           = config.EnvPrefix + "_DATA_DIR"
	EnvDownloadsRootPath = config.EnvPrefix + "_DOWNLOADS_ROOT_PATH"
	EnvAddress           = config.EnvPrefix + "_ADDRESS"
	EnvDebug             = config.EnvPrefix + "_DEBUG"

	// EnvDBFilePath names the record file; its directory is used as the
	// data directory when EnvDataDir is not set
	EnvDBFilePath = config.EnvPrefix + "_DB_FILE_PATH"
)

// settings are the process level inputs that do not live in the configuration file
type settings struct {
	configPath   string
	dataDir      string
	downloadsDir string
	address      string
}

func resolveSettings(v *viper.Viper) (settings, error) {
	s := settings{
		configPath:   v.GetString("config"),
		dataDir:      v.GetString("data-dir"),
		downloadsDir: v.GetString("downloads-dir"),
		address:      v.GetString("address"),
	}
	if s.configPath == "" {
		return s, fmt.Errorf("a configuration file is required: use --config or %s", EnvConfigFile)
	}
	if s.dataDir == "" {
		if dbFile := v.GetString("db-file-path"); dbFile != "" {
			s.dataDir = filepath.Dir(dbFile)
		}
	}
	return s, nil
}

// newCacheApp loads the configuration and builds the application
func newCacheApp(ctx context.Context, v *viper.Viper) (*cacheapp.CacheApp, error) {
	s, err := resolveSettings(v)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	opts := []cacheapp.CacheAppOptions{cacheapp.WithConfig(cfg)}
	if s.dataDir != "" {
		opts = append(opts, cacheapp.WithDataDirectory(s.dataDir))
	}
	if s.downloadsDir != "" {
		opts = append(opts, cacheapp.WithDownloadsDirectory(s.downloadsDir))
	}
	if s.address != "" {
		opts = append(opts, cacheapp.WithAddress(s.address))
	}

	return cacheapp.NewCacheApp(ctx, opts...)
}
