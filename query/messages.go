package query

import (
	"strings"
)

const (
	TypeGetSession           = "multichain.query.session.get"
	TypeGetConnectionRequest = "multichain.query.connection_request.get"
)

type GetSessionMessage struct {
	Dapp string
}

func (GetSessionMessage) Type() string { return TypeGetSession }

func (m GetSessionMessage) Validate() error {
	return validateDapp(m.Dapp)
}

type GetConnectionRequestMessage struct {
	Dapp string
}

func (GetConnectionRequestMessage) Type() string { return TypeGetConnectionRequest }

func (m GetConnectionRequestMessage) Validate() error {
	return validateDapp(m.Dapp)
}

func validateDapp(dapp string) error {
	if strings.TrimSpace(dapp) == "" {
		return queryValidationError("dapp", "dapp name is required")
	}
	return nil
}
