package migrations

import "embed"

// FS embeds the migration scripts. Files are named
// <version>_<name>.sql and applied in version order.
//
//go:embed scripts
var FS embed.FS
