// Command ingestctl is the command-line client of the ingest platform admin API.
package main

import (
	"os"

	"ingest-platform/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
