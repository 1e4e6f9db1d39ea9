package command

import (
	"strings"

	"github.com/caixadigital/banksync/core"
)

const (
	TypeConnect          = "banksync.command.connect"
	TypeCompleteCallback = "banksync.command.callback.complete"
	TypeReauthorize      = "banksync.command.reauthorize"
	TypeRefresh          = "banksync.command.refresh"
	TypeRevoke           = "banksync.command.revoke"
	TypeTriggerSync      = "banksync.command.sync.trigger"
)

type ConnectMessage struct {
	Request core.ConnectRequest
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if strings.TrimSpace(m.Request.CompanyID) == "" {
		return commandValidationError("company_id", "company id is required")
	}
	if strings.TrimSpace(m.Request.ProviderID) == "" {
		return commandValidationError("provider_id", "provider id is required")
	}
	return nil
}

type CompleteCallbackMessage struct {
	Request core.CompleteAuthRequest
}

func (CompleteCallbackMessage) Type() string { return TypeCompleteCallback }

func (m CompleteCallbackMessage) Validate() error {
	if strings.TrimSpace(m.Request.State) == "" {
		return commandValidationError("state", "callback state is required")
	}
	if strings.TrimSpace(m.Request.Code) == "" && strings.TrimSpace(m.Request.Error) == "" {
		return commandValidationError("code", "authorization code or provider error is required")
	}
	return nil
}

type ReauthorizeMessage struct {
	Request core.ReauthorizeRequest
}

func (ReauthorizeMessage) Type() string { return TypeReauthorize }

func (m ReauthorizeMessage) Validate() error {
	if strings.TrimSpace(m.Request.ConnectionID) == "" {
		return commandValidationError("connection_id", "connection id is required")
	}
	return nil
}

type RefreshMessage struct {
	ConnectionID string
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (m RefreshMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return commandValidationError("connection_id", "connection id is required")
	}
	return nil
}

type RevokeMessage struct {
	ConnectionID string
	Reason       string
}

func (RevokeMessage) Type() string { return TypeRevoke }

func (m RevokeMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return commandValidationError("connection_id", "connection id is required")
	}
	return nil
}

type TriggerSyncMessage struct {
	ConnectionID string
	Manual       bool
}

func (TriggerSyncMessage) Type() string { return TypeTriggerSync }

func (m TriggerSyncMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return commandValidationError("connection_id", "connection id is required")
	}
	return nil
}
