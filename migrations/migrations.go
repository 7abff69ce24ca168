// Package migrations embeds the SQL schema for the dispatch control
// plane so the binary can run its own migrations without a separate
// deploy artifact.
package migrations

import "embed"

// FS holds every *.sql migration file, discovered by bun's migrate
// package at startup.
//
//go:embed *.sql
var FS embed.FS
