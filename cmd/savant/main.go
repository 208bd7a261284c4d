// Savant: a read-only natural-language query engine over recorded
// conversations and their speakers.
//
// Usage:
//
//	savant serve                 # MCP server on stdio
//	savant serve --socket PATH   # MCP server on a Unix socket
//	savant query "Find all conversations with John"
//	savant speaker duplicates --auto
package main

import (
	"os"

	"github.com/yeager620/savant-ai-sub000/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
