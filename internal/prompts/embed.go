// Package prompts provides the agent and pull request templates with override support.
package prompts

import "embed"

//go:embed system/*.md task/*.md pr/*.md
var embeddedFS embed.FS
