// Package migrations provides embedded SQL migration files.
// They are applied at startup via db.Migrate and by testutil in
// integration tests; the golang-migrate CLI works against the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
