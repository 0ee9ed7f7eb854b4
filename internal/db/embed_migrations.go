package db

import "embed"

// Migrations holds the schema and row-level security migrations applied by db/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
