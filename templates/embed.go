// Package templates embeds the starter configuration written by hstqueue init.
package templates

import "embed"

//go:embed hstqueue.yaml
var FS embed.FS

// ConfigName is the file name of the embedded configuration template.
const ConfigName = "hstqueue.yaml"
