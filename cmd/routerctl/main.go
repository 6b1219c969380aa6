// Command routerctl is the operator CLI: schema migrations, reconciliation,
// tenant setup and operator token minting.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
