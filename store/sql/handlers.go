package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func storageRecordHandlers() repository.ModelHandlers[*storageRecord] {
	return repository.ModelHandlers[*storageRecord]{
		NewRecord: func() *storageRecord {
			return &storageRecord{}
		},
		GetID: func(record *storageRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *storageRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "key"
		},
		GetIdentifierValue: func(record *storageRecord) string {
			if record == nil {
				return ""
			}
			return record.Key
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
