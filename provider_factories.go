package banksync

import (
	"github.com/caixadigital/banksync/core"
	"github.com/caixadigital/banksync/providers/openfinance"
	"github.com/caixadigital/banksync/providers/sandbox"
)

func OpenFinanceProvider(cfg openfinance.Config) (core.BankProvider, error) {
	return openfinance.New(cfg)
}

func SandboxProvider(cfg sandbox.Config) (core.BankProvider, error) {
	return sandbox.New(cfg), nil
}
