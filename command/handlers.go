package command

import (
	"context"

	"github.com/caixadigital/banksync/core"

	gocmd "github.com/goliatone/go-command"
)

// MutatingService is the write surface the command handlers delegate to.
// core.Service satisfies it.
type MutatingService interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.BeginAuthResponse, error)
	CompleteCallback(ctx context.Context, req core.CompleteAuthRequest) (core.CallbackCompletion, error)
	Reauthorize(ctx context.Context, req core.ReauthorizeRequest) (core.BeginAuthResponse, error)
	Refresh(ctx context.Context, connectionID string) (core.RefreshResult, error)
	Revoke(ctx context.Context, connectionID string, reason string) error
}

// SyncTriggerService enqueues a sync job; the scheduler satisfies it.
type SyncTriggerService interface {
	TriggerSync(ctx context.Context, connectionID string, manual bool) error
}

type ConnectCommand struct {
	service MutatingService
}

func NewConnectCommand(service MutatingService) *ConnectCommand {
	return &ConnectCommand{service: service}
}

func (c *ConnectCommand) Execute(ctx context.Context, msg ConnectMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: connect service is required")
	}
	out, err := c.service.Connect(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteCallbackCommand struct {
	service MutatingService
}

func NewCompleteCallbackCommand(service MutatingService) *CompleteCallbackCommand {
	return &CompleteCallbackCommand{service: service}
}

func (c *CompleteCallbackCommand) Execute(ctx context.Context, msg CompleteCallbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: callback service is required")
	}
	out, err := c.service.CompleteCallback(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReauthorizeCommand struct {
	service MutatingService
}

func NewReauthorizeCommand(service MutatingService) *ReauthorizeCommand {
	return &ReauthorizeCommand{service: service}
}

func (c *ReauthorizeCommand) Execute(ctx context.Context, msg ReauthorizeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reauthorize service is required")
	}
	out, err := c.service.Reauthorize(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshCommand struct {
	service MutatingService
}

func NewRefreshCommand(service MutatingService) *RefreshCommand {
	return &RefreshCommand{service: service}
}

func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	out, err := c.service.Refresh(ctx, msg.ConnectionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeCommand struct {
	service MutatingService
}

func NewRevokeCommand(service MutatingService) *RevokeCommand {
	return &RevokeCommand{service: service}
}

func (c *RevokeCommand) Execute(ctx context.Context, msg RevokeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: revoke service is required")
	}
	return c.service.Revoke(ctx, msg.ConnectionID, msg.Reason)
}

type TriggerSyncCommand struct {
	service SyncTriggerService
}

func NewTriggerSyncCommand(service SyncTriggerService) *TriggerSyncCommand {
	return &TriggerSyncCommand{service: service}
}

func (c *TriggerSyncCommand) Execute(ctx context.Context, msg TriggerSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync trigger service is required")
	}
	return c.service.TriggerSync(ctx, msg.ConnectionID, msg.Manual)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
