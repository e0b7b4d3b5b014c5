// Command wren runs the Wren direct-messaging server.
package main

import (
	"fmt"
	"os"

	"wren/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "wren:", err)
		os.Exit(1)
	}
}
