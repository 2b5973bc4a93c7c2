// mailguard is the command-line front end and MCP server.
package main

import "github.com/dortort/openclaw-mailguard/internal/cli"

func main() {
	cli.Execute()
}
