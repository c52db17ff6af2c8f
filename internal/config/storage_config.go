package config

import "time"

type StorageDriver string

const (
	StorageFile     StorageDriver = "file"
	StoragePostgres StorageDriver = "postgres"
	StorageMemory   StorageDriver = "memory"
)

type StorageConfig interface {
	GetStorageDriver() StorageDriver
	GetDataFolder() string
	GetPollInterval() time.Duration
	GetDatabaseURL() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetStorageDriver() StorageDriver {
	switch d := StorageDriver(GetEnv("STORAGE_DRIVER", string(StorageFile))); d {
	case StorageFile, StoragePostgres, StorageMemory:
		return d
	default:
		return StorageFile
	}
}

func (Storage) GetDataFolder() string {
	return GetEnv("FOLDER", "./data")
}

// GetPollInterval is how often the file store checks for writes made by other processes
func (Storage) GetPollInterval() time.Duration {
	return GetEnvDuration("STORAGE_POLL_INTERVAL", time.Second)
}

func (Storage) GetDatabaseURL() string {
	return GetEnv("DATABASE_URL", "")
}
