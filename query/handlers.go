package query

import (
	"context"

	"github.com/goliatone/go-multichain/core"
)

// SessionReader returns the session a dapp currently shares, or nil when
// none is active.
type SessionReader interface {
	GetSession(ctx context.Context, dapp string) (*core.Session, error)
}

type ConnectionRequestReader interface {
	ConnectionRequest(ctx context.Context, dapp string) (core.ConnectionRequest, error)
}

type GetSessionQuery struct {
	reader SessionReader
}

func NewGetSessionQuery(reader SessionReader) *GetSessionQuery {
	return &GetSessionQuery{reader: reader}
}

func (q *GetSessionQuery) Query(ctx context.Context, msg GetSessionMessage) (*core.Session, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: session reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.GetSession(ctx, msg.Dapp)
}

type GetConnectionRequestQuery struct {
	reader ConnectionRequestReader
}

func NewGetConnectionRequestQuery(reader ConnectionRequestReader) *GetConnectionRequestQuery {
	return &GetConnectionRequestQuery{reader: reader}
}

func (q *GetConnectionRequestQuery) Query(
	ctx context.Context,
	msg GetConnectionRequestMessage,
) (core.ConnectionRequest, error) {
	if q == nil || q.reader == nil {
		return core.ConnectionRequest{}, queryDependencyError("query: connection request reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.ConnectionRequest{}, err
	}
	return q.reader.ConnectionRequest(ctx, msg.Dapp)
}
