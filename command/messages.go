package command

import (
	"strings"

	"github.com/goliatone/go-multichain/core"
)

const (
	TypeConnect      = "multichain.command.connect"
	TypeInvokeMethod = "multichain.command.invoke_method"
	TypeDisconnect   = "multichain.command.disconnect"
	TypeResume       = "multichain.command.resume"
)

type ConnectMessage struct {
	Dapp     string
	Scopes   []string
	Accounts []string
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if err := validateDapp(m.Dapp); err != nil {
		return err
	}
	if _, err := core.ValidateScopes(m.Scopes); err != nil {
		return commandWrapValidation(err, "command: invalid scopes")
	}
	for _, account := range m.Accounts {
		if _, err := core.ParseAccountID(account); err != nil {
			return commandValidationError("accounts", err.Error())
		}
	}
	return nil
}

type InvokeMethodMessage struct {
	Dapp    string
	Request core.InvokeMethodRequest
}

func (InvokeMethodMessage) Type() string { return TypeInvokeMethod }

func (m InvokeMethodMessage) Validate() error {
	if err := validateDapp(m.Dapp); err != nil {
		return err
	}
	if _, err := core.ParseScope(m.Request.Scope); err != nil {
		return commandValidationError("request.scope", err.Error())
	}
	if strings.TrimSpace(m.Request.Request.Method) == "" {
		return commandValidationError("request.request.method", "method is required")
	}
	return nil
}

type DisconnectMessage struct {
	Dapp string
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return validateDapp(m.Dapp)
}

type ResumeMessage struct {
	Dapp string
}

func (ResumeMessage) Type() string { return TypeResume }

func (m ResumeMessage) Validate() error {
	return validateDapp(m.Dapp)
}

func validateDapp(dapp string) error {
	if strings.TrimSpace(dapp) == "" {
		return commandValidationError("dapp", "dapp name is required")
	}
	return nil
}
