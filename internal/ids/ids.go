// Package ids builds the prefixed identifiers used across tables and APIs.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns prefix + 32 hex chars, e.g. New("conf_").
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func NewRun() string          { return New("run_") }
func NewConfirmation() string { return New("conf_") }
func NewOrder() string        { return New("ord_") }
func NewClientOrder() string  { return New("client_") }
func NewFill() string         { return New("fill_") }
func NewApproval() string     { return New("apr_") }
func NewTicket() string       { return New("tick_") }
func NewNode() string         { return New("node_") }

// Request returns a plain UUIDv4 for X-Request-ID headers.
func Request() string { return uuid.New().String() }
