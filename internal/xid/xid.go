package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "tx-6f1c0e4e-...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
