package static

import "embed"

// Assets contains embedded static resources for the dashboard.
//
//go:embed index.html
var Assets embed.FS
