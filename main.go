// Command threadharvest crawls forums into a deduplicated chunk corpus.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/JakeFAU/threadharvest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "threadharvest:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
