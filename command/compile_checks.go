package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ConnectMessage]      = (*ConnectCommand)(nil)
	_ gocmd.Commander[InvokeMethodMessage] = (*InvokeMethodCommand)(nil)
	_ gocmd.Commander[DisconnectMessage]   = (*DisconnectCommand)(nil)
	_ gocmd.Commander[ResumeMessage]       = (*ResumeCommand)(nil)
)
