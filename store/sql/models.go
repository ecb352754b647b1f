package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

const storageRecordsTable = "multichain_storage_records"

type storageRecord struct {
	bun.BaseModel `bun:"table:multichain_storage_records,alias:msr"`

	ID        string    `bun:"id,pk"`
	Key       string    `bun:"key,notnull,unique"`
	Value     string    `bun:"value,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
