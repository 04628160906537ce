// Package idgen provides random ID generation for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Record prefixes. Keeping them here makes ids self-describing in logs.
const (
	PrefixTenant      = "ten_"
	PrefixTransaction = "ctx_"
	PrefixJob         = "job_"
	PrefixCampaign    = "cmp_"
	PrefixActivity    = "act_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "job_", "cmp_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
