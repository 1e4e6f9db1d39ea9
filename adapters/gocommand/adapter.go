// Package gocommand mounts the banksync command and query handlers on the
// go-command registry and process dispatcher, so an embedding application
// can drive connection lifecycle operations through plain message dispatch.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	bankscommand "github.com/caixadigital/banksync/command"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces the Type() plus optional Validate()
// contract every banksync message carries.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// Runtime owns the go-command registry and the dispatcher subscriptions
// created while mounting banksync handlers. Unsubscribe tears the
// subscriptions down; the registry stays usable.
type Runtime struct {
	registry *command.Registry

	mu   sync.Mutex
	subs []commanddispatcher.Subscription
}

func NewRuntime(registry *command.Registry) *Runtime {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Runtime{registry: registry}
}

func (r *Runtime) Registry() *command.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Runtime) RegisterCommand(cmd any) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: runtime registry is not configured")
	}
	return r.registry.RegisterCommand(cmd)
}

func (r *Runtime) AddResolver(key string, resolver command.Resolver) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: runtime registry is not configured")
	}
	return r.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue
// registry so enqueued sync jobs resolve back to the same handlers.
func (r *Runtime) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return r.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (r *Runtime) HasResolver(key string) bool {
	if r == nil || r.registry == nil {
		return false
	}
	return r.registry.HasResolver(strings.TrimSpace(key))
}

func (r *Runtime) Initialize() error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: runtime registry is not configured")
	}
	return r.registry.Initialize()
}

// Unsubscribe releases every dispatcher subscription the runtime mounted.
func (r *Runtime) Unsubscribe() {
	if r == nil {
		return
	}
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

func (r *Runtime) track(sub commanddispatcher.Subscription) {
	if r == nil || sub == nil {
		return
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
}

// Mount registers a commander and subscribes it on the dispatcher; the
// runtime keeps the subscription until Unsubscribe.
func Mount[T any](r *Runtime, cmd command.Commander[T], runnerOpts ...runner.Option) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: runtime registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := r.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.track(subscription)
	return nil
}

// MountQuery is Mount for read-side handlers.
func MountQuery[T any, R any](r *Runtime, qry command.Querier[T, R], runnerOpts ...runner.Option) error {
	if r == nil || r.registry == nil {
		return fmt.Errorf("gocommand: runtime registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := r.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return err
	}
	r.track(subscription)
	return nil
}

// ConnectionCommands is the full banksync write surface. Nil handlers are
// skipped so a deployment without a scheduler can omit TriggerSync.
type ConnectionCommands struct {
	Connect          command.Commander[bankscommand.ConnectMessage]
	CompleteCallback command.Commander[bankscommand.CompleteCallbackMessage]
	Reauthorize      command.Commander[bankscommand.ReauthorizeMessage]
	Refresh          command.Commander[bankscommand.RefreshMessage]
	Revoke           command.Commander[bankscommand.RevokeMessage]
	TriggerSync      command.Commander[bankscommand.TriggerSyncMessage]
}

// MountConnectionCommands wires the connection lifecycle handlers in one
// call.
func MountConnectionCommands(r *Runtime, handlers ConnectionCommands) error {
	if handlers.Connect != nil {
		if err := Mount(r, handlers.Connect); err != nil {
			return err
		}
	}
	if handlers.CompleteCallback != nil {
		if err := Mount(r, handlers.CompleteCallback); err != nil {
			return err
		}
	}
	if handlers.Reauthorize != nil {
		if err := Mount(r, handlers.Reauthorize); err != nil {
			return err
		}
	}
	if handlers.Refresh != nil {
		if err := Mount(r, handlers.Refresh); err != nil {
			return err
		}
	}
	if handlers.Revoke != nil {
		if err := Mount(r, handlers.Revoke); err != nil {
			return err
		}
	}
	if handlers.TriggerSync != nil {
		if err := Mount(r, handlers.TriggerSync); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch routes a message through the process dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query routes a read message through the process dispatcher.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}
