// Package store defines the contracts shared by storage backends.
package store

import "context"

// Transactor runs fn atomically. The policy-gated write, the override-token
// consumption and the audit append of one logical operation all happen inside
// a single WithinTx call so no caller can observe a partial state. Nested
// calls join the surrounding transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
