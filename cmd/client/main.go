// onionmesh-client: builds an onion circuit and fetches a URL through it.
package main

import (
	"fmt"
	"os"

	"github.com/onionmesh/onionmesh/internal/cliclient"
)

func main() {
	if err := cliclient.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
