// Package providers contains built-in bank provider implementations.
//
// The openfinance package speaks the Brazilian Open Finance profile
// (private_key_jwt over mTLS); the sandbox package is an in-memory bank
// for local development and integration tests.
package providers
