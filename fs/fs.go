// Package appfs embeds the repo's non-Go assets: database migrations and
// email templates.
package appfs

import "embed"

//go:embed migrations assets
var FS embed.FS
