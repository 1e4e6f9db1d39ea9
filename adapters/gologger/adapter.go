// Package gologger resolves the module's component loggers and bridges
// them to the go-job contracts the queue runtime expects.
package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Component logger names used across the module. A provider that honors
// names can give each surface its own sink; ProviderFromLogger collapses
// them onto one logger.
const (
	LoggerService   = "banksync"
	LoggerScheduler = "banksync.scheduler"
	LoggerInbound   = "banksync.inbound"
	LoggerSyncJob   = "banksync.sync.job"
)

// Resolve applies the deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Component returns the named child logger from a resolved provider,
// never nil.
func Component(provider glog.LoggerProvider, name string) glog.Logger {
	if provider == nil {
		return glog.Ensure(nil)
	}
	return glog.Ensure(provider.GetLogger(name))
}

// ToJobProvider maps a glog provider onto the go-job provider contract so
// queue workers log through the same sink as the service.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger onto the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the sync-job logger and returns both the glog
// pair and the go-job bridges, ready to hand to a queue runtime.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
