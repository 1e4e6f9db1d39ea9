package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ Registry                = (*ProviderRegistry)(nil)
	_ ConnectionLocker        = (*MemoryConnectionLocker)(nil)
	_ RefreshBackoffScheduler = ExponentialBackoffScheduler{}
	_ OAuthStateStore         = (*MemoryOAuthStateStore)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
