package sqlstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-multichain/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// StorageAdapter keeps key/value records in the multichain_storage_records
// table. Every call is a single statement or transaction.
type StorageAdapter struct {
	db     *bun.DB
	repo   repository.Repository[*storageRecord]
	closer io.Closer
}

// NewStorageAdapter wraps a caller owned db. Close leaves the db open.
func NewStorageAdapter(db *bun.DB) (*StorageAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*storageRecord](db, storageRecordHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid storage repository wiring: %w", err)
		}
	}
	return &StorageAdapter{db: db, repo: repo}, nil
}

// NewStorageAdapterFromPersistence accepts a *bun.DB or anything exposing
// DB() *bun.DB, such as a go-persistence-bun client.
func NewStorageAdapterFromPersistence(client any) (*StorageAdapter, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewStorageAdapter(db)
}

func (s *StorageAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.repo == nil {
		return "", false, fmt.Errorf("sqlstore: storage adapter is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("key", "=", key),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 || records[0] == nil {
		return "", false, nil
	}
	return records[0].Value, true, nil
}

// Set upserts on the unique key index, so concurrent writers of a new key
// never collide on insert.
func (s *StorageAdapter) Set(ctx context.Context, key string, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: storage adapter is not configured")
	}
	now := time.Now().UTC()
	record := &storageRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *StorageAdapter) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: storage adapter is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*storageRecord)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	return err
}

// Keys lists stored keys with the given prefix in ascending order.
func (s *StorageAdapter) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: storage adapter is not configured")
	}
	criteria := []repository.SelectCriteria{repository.OrderBy("key ASC")}
	if prefix != "" {
		criteria = append(criteria, repository.SelectBy("key", "LIKE", prefix+"%"))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for _, record := range records {
		// LIKE treats % and _ in the prefix as wildcards.
		if record != nil && strings.HasPrefix(record.Key, prefix) {
			keys = append(keys, record.Key)
		}
	}
	return keys, nil
}

// Shared returns a view over the same db that never closes it. Registry
// factories hand out shared views so core teardown leaves the pool alone.
func (s *StorageAdapter) Shared() *StorageAdapter {
	if s == nil {
		return nil
	}
	return &StorageAdapter{db: s.db, repo: s.repo}
}

func (s *StorageAdapter) DB() *bun.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close releases the db only when the adapter opened it.
func (s *StorageAdapter) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	closer := s.closer
	s.closer = nil
	return closer.Close()
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var (
	_ core.StorageAdapter = (*StorageAdapter)(nil)
	_ io.Closer           = (*StorageAdapter)(nil)
)
