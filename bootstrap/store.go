package bootstrap

import (
	"fmt"

	"github.com/artpar/quotagate/adapters/file"
	"github.com/artpar/quotagate/adapters/memory"
	qgredis "github.com/artpar/quotagate/adapters/redis"
	"github.com/artpar/quotagate/adapters/sqlite"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/ports"
	"github.com/redis/go-redis/v9"
)

// Store persists usage records and the settings saved at runtime.
type Store interface {
	ports.RecordStore
	ports.SettingsStore
}

// sqliteStore joins the two SQLite tables behind one Store.
type sqliteStore struct {
	*sqlite.RecordStore
	*sqlite.SettingsStore
}

// OpenStore opens the store selected by cfg.Driver. The sqlite driver
// runs pending migrations before returning.
func OpenStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRecordStore(memory.RecordStoreConfig{}), nil

	case config.DriverFile, "":
		return file.NewRecordStore(cfg.Path)

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return sqliteStore{
			RecordStore:   sqlite.NewRecordStore(db),
			SettingsStore: sqlite.NewSettingsStore(db),
		}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := qgredis.NewRecordStore(client,
			qgredis.WithPrefix(cfg.Redis.Prefix),
			qgredis.WithTimeout(cfg.Redis.Timeout),
		)
		if err != nil {
			client.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
