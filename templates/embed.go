// Package templates embeds the files written by setup.
package templates

import "embed"

//go:embed rpa.yaml queue.yaml
var FS embed.FS
