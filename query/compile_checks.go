package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-multichain/core"
)

var (
	_ gocmd.Querier[GetSessionMessage, *core.Session]                    = (*GetSessionQuery)(nil)
	_ gocmd.Querier[GetConnectionRequestMessage, core.ConnectionRequest] = (*GetConnectionRequestQuery)(nil)
)
