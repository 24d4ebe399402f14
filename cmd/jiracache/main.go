// Command jiracache indexes upstream issues into Redis and serves search,
// live updates and chat commands over HTTP.
package main

import (
	"os"

	"github.com/jhgg/jeev-jiracache/cmd/jiracache/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
