package command

import (
	"context"
	"encoding/json"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-multichain/core"
)

// SessionService is the mutating surface the commands drive, keyed by dapp
// name.
type SessionService interface {
	Connect(ctx context.Context, dapp string, scopes []string, accounts []string) (*core.Session, error)
	InvokeMethod(ctx context.Context, dapp string, req core.InvokeMethodRequest) (json.RawMessage, error)
	Disconnect(ctx context.Context, dapp string) error
	Resume(ctx context.Context, dapp string) (*core.Session, error)
}

type ConnectCommand struct {
	service SessionService
}

func NewConnectCommand(service SessionService) *ConnectCommand {
	return &ConnectCommand{service: service}
}

func (c *ConnectCommand) Execute(ctx context.Context, msg ConnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	session, err := c.service.Connect(ctx, msg.Dapp, msg.Scopes, msg.Accounts)
	if err != nil {
		return err
	}
	storeResult(ctx, session)
	return nil
}

type InvokeMethodCommand struct {
	service SessionService
}

func NewInvokeMethodCommand(service SessionService) *InvokeMethodCommand {
	return &InvokeMethodCommand{service: service}
}

func (c *InvokeMethodCommand) Execute(ctx context.Context, msg InvokeMethodMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	result, err := c.service.InvokeMethod(ctx, msg.Dapp, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, result)
	return nil
}

type DisconnectCommand struct {
	service SessionService
}

func NewDisconnectCommand(service SessionService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.service.Disconnect(ctx, msg.Dapp)
}

type ResumeCommand struct {
	service SessionService
}

func NewResumeCommand(service SessionService) *ResumeCommand {
	return &ResumeCommand{service: service}
}

func (c *ResumeCommand) Execute(ctx context.Context, msg ResumeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	session, err := c.service.Resume(ctx, msg.Dapp)
	if err != nil {
		return err
	}
	storeResult(ctx, session)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
