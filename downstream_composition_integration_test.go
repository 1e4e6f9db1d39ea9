package banksync_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	banksync "github.com/caixadigital/banksync"
	bankscommand "github.com/caixadigital/banksync/command"
	"github.com/caixadigital/banksync/core"
	"github.com/caixadigital/banksync/providers/sandbox"
	banksquery "github.com/caixadigital/banksync/query"
	sqlstore "github.com/caixadigital/banksync/store/sql"
	gocmd "github.com/goliatone/go-command"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Composes the full module the way an embedding application would:
// sqlite-backed stores, the sandbox bank, and the command/query facade,
// then drives connect -> callback -> sync -> read-side end to end.
func TestComposition_ConnectCallbackSyncThroughFacade(t *testing.T) {
	ctx := context.Background()

	dsn := fmt.Sprintf(
		"file:banksync-composition-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlstore.ResetSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	factory, err := sqlstore.NewRepositoryFactoryFromDB(db)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}

	bank := sandbox.New(sandbox.Config{})
	bank.SeedAccount("acct_composition", []core.RawTransaction{
		{
			ExternalID: "ext_1",
			TypeCode:   "PIX_RECEBIMENTO",
			Amount:     decimal.RequireFromString("1250.40"),
			Currency:   "BRL",
			BookedAt:   time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC),
			Status:     "posted",
		},
		{
			ExternalID: "ext_2",
			TypeCode:   "TED_ENVIO",
			Amount:     decimal.RequireFromString("-310.00"),
			Currency:   "BRL",
			BookedAt:   time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC),
			Status:     "posted",
		},
	})

	registry := core.NewProviderRegistry()
	if err := registry.Register(sandbox.Protocol, bank); err != nil {
		t.Fatalf("register sandbox provider: %v", err)
	}

	if err := factory.DirectoryStore().ReplaceAll(ctx, []core.ProviderDirectoryEntry{
		{
			ProviderID:            "999",
			DisplayName:           "Banco Sandbox",
			Protocol:              sandbox.Protocol,
			AuthorizationEndpoint: "https://sandbox.bank.local/authorize",
			TokenEndpoint:         "https://sandbox.bank.local/token",
			TransactionBaseURL:    "https://sandbox.bank.local/api",
			FetchedAt:             time.Now().UTC(),
		},
	}); err != nil {
		t.Fatalf("seed directory: %v", err)
	}

	svc, err := banksync.NewService(
		banksync.Config{},
		banksync.WithRepositoryFactory(factory),
		banksync.WithProviderRegistry(registry),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	facade, err := banksync.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	beginCollector := gocmd.NewResult[core.BeginAuthResponse]()
	beginCtx := gocmd.ContextWithResult(ctx, beginCollector)
	if err := facade.Commands().Connect.Execute(beginCtx, bankscommand.ConnectMessage{
		Request: core.ConnectRequest{
			CompanyID:   "cmp_composition",
			ProviderID:  "999",
			RedirectURI: "https://app.caixadigital.local/callback",
		},
	}); err != nil {
		t.Fatalf("execute connect: %v", err)
	}
	begin, ok := beginCollector.Load()
	if !ok {
		t.Fatalf("expected begin auth result")
	}

	authURL, err := url.Parse(begin.AuthorizationURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	code := authURL.Query().Get("code")
	if code == "" {
		t.Fatalf("expected authorization code in sandbox url %q", begin.AuthorizationURL)
	}

	callbackCollector := gocmd.NewResult[core.CallbackCompletion]()
	callbackCtx := gocmd.ContextWithResult(ctx, callbackCollector)
	if err := facade.Commands().CompleteCallback.Execute(callbackCtx, bankscommand.CompleteCallbackMessage{
		Request: core.CompleteAuthRequest{
			State: begin.State,
			Code:  code,
		},
	}); err != nil {
		t.Fatalf("execute callback: %v", err)
	}
	completion, ok := callbackCollector.Load()
	if !ok {
		t.Fatalf("expected callback completion result")
	}
	if completion.Connection.Status != core.ConnectionStatusActive {
		t.Fatalf("expected active connection after callback, got %s", completion.Connection.Status)
	}

	result, err := svc.Sync(ctx, core.SyncRequest{
		ConnectionID: completion.Connection.ID,
		Trigger:      core.SyncTriggerManual,
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Committed != 2 {
		t.Fatalf("expected 2 committed transactions, got %d", result.Committed)
	}

	// Replayed sync pages dedupe on fingerprint instead of double-posting.
	again, err := svc.Sync(ctx, core.SyncRequest{
		ConnectionID: completion.Connection.ID,
		Trigger:      core.SyncTriggerManual,
	})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if again.Committed != 0 {
		t.Fatalf("expected no new transactions on resync, got %d", again.Committed)
	}

	transactions, err := facade.Queries().ListTransactions.Query(ctx, banksquery.ListTransactionsMessage{
		ConnectionID: completion.Connection.ID,
		From:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 stored transactions, got %d", len(transactions))
	}

	logs, err := facade.Queries().ListSyncLogs.Query(ctx, banksquery.ListSyncLogsMessage{
		ConnectionID: completion.Connection.ID,
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 sync log entries, got %d", len(logs))
	}
}
