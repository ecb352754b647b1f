package multichain

import (
	"fmt"

	multichaincommand "github.com/goliatone/go-multichain/command"
	multichainquery "github.com/goliatone/go-multichain/query"
)

type CommandQueryService interface {
	multichaincommand.SessionService
	multichainquery.SessionReader
	multichainquery.ConnectionRequestReader
}

type Commands struct {
	Connect      *multichaincommand.ConnectCommand
	InvokeMethod *multichaincommand.InvokeMethodCommand
	Disconnect   *multichaincommand.DisconnectCommand
	Resume       *multichaincommand.ResumeCommand
}

type Queries struct {
	GetSession           *multichainquery.GetSessionQuery
	GetConnectionRequest *multichainquery.GetConnectionRequestQuery
}

// Facade bundles the go-command handlers for one service.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	sessionReader multichainquery.SessionReader
}

// WithSessionReader answers session queries from reader instead of the
// service, for example from a persisted projection.
func WithSessionReader(reader multichainquery.SessionReader) FacadeOption {
	return func(options *facadeOptions) {
		options.sessionReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("multichain: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	reader := cfg.sessionReader
	if reader == nil {
		reader = service
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Connect:      multichaincommand.NewConnectCommand(service),
		InvokeMethod: multichaincommand.NewInvokeMethodCommand(service),
		Disconnect:   multichaincommand.NewDisconnectCommand(service),
		Resume:       multichaincommand.NewResumeCommand(service),
	}
	facade.queries = Queries{
		GetSession:           multichainquery.NewGetSessionQuery(reader),
		GetConnectionRequest: multichainquery.NewGetConnectionRequestQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
