// Package idgen provides pluggable ID generation for ghostwork.
//
// Every constructor that mints identifiers (store, executor, transmitter,
// audit) accepts a Generator, making the ID strategy a startup-time decision
// rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator mints unique string identifiers.
type Generator func() string

// Entity prefixes. Prefixed IDs make log lines and audit rows self-describing.
const (
	PrefixEvent     = "evt_"
	PrefixBatch     = "bat_"
	PrefixPattern   = "pat_"
	PrefixGhost     = "gh_"
	PrefixExecution = "exec_"
	PrefixStep      = "step_"
	PrefixApproval  = "apr_"
	PrefixFeedback  = "fb_"
	PrefixVersion   = "ver_"
	PrefixLog       = "log_"
	PrefixPolicy    = "pol_"
	PrefixAudit     = "aud_"
)

// Default is the module default: UUIDv7.
var Default Generator = UUIDv7()

// New mints an ID with the Default generator.
func New() string {
	return Default()
}

// UUIDv7 returns a Generator minting RFC 9562 version 7 UUIDs.
// Time-sortable and globally unique; batch and event IDs rely on the
// sortability for cheap "newest first" scans.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

const nanoAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator minting base-36 IDs of exactly length
// characters. Short, URL-safe, fast. Use only where UUIDv7 is too verbose
// (request IDs, short-lived tokens).
func NanoID(length int) Generator {
	return func() string {
		// One rand.Read, then remap the bytes in place. The modulo bias
		// over 36 symbols is irrelevant at these lengths.
		b := make([]byte, length)
		if _, err := rand.Read(b); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, c := range b {
			b[i] = nanoAlphabet[int(c)%len(nanoAlphabet)]
		}
		return string(b)
	}
}

// Prefixed prepends a fixed prefix to every ID gen mints.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Parse validates a UUID string and returns it in canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
