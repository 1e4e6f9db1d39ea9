// Package inbound receives provider-originated traffic: bank webhook
// notifications and relayed consent callbacks. Deliveries pass signature
// verification and claim/complete/fail idempotency before a surface
// handler turns them into commands, so redelivered webhooks never run a
// handler twice and failed handlers stay retryable.
package inbound
