package storage

import "github.com/chess-ingest/internal/config"

// Store groups the repositories of one database
type Store struct {
	DB       *DB
	Jobs     *JobRepository
	Archives *ArchiveRepository
	States   *IngestionStateRepository
	Accounts *AccountRepository
	Stats    *StatsRepository
	Games    *GameRepository
	Cache    *CacheRepository
	FetchLog *FetchLogRepository
}

// NewStore creates every repository over db
func NewStore(db *DB, queue config.QueueConfig) *Store {
	return &Store{
		DB:       db,
		Jobs:     NewJobRepository(db, queue),
		Archives: NewArchiveRepository(db),
		States:   NewIngestionStateRepository(db),
		Accounts: NewAccountRepository(db),
		Stats:    NewStatsRepository(db),
		Games:    NewGameRepository(db),
		Cache:    NewCacheRepository(db),
		FetchLog: NewFetchLogRepository(db),
	}
}
