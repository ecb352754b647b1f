package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ StorageAdapter  = (*MemoryStorage)(nil)
	_ StorageAdapter  = (*NamespacedStorage)(nil)
	_ Requester       = (*Transport)(nil)
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ MetricsRecorder = NopMetricsRecorder{}

	_ error = (*RPCError)(nil)
	_ error = (*RequestError)(nil)
	_ error = (*StorageError)(nil)

	_ serviceErrorConverter = (*RPCError)(nil)
	_ serviceErrorConverter = (*RequestError)(nil)
	_ serviceErrorConverter = (*StorageError)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
