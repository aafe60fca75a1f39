// Package migrations embeds the goose migrations for the local credential DB.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
