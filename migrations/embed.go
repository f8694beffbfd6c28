// Package migrations embeds the SQL schema migrations so they can be
// applied at startup regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
