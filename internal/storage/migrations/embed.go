package migrations

import "embed"

// PostgresFS holds the embedded discovery archive migrations.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS holds the embedded event journal migrations.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
