// Command entityctl inspects entity stores and copies entities between them.
//
// The store is chosen like the library does it, from ENTITYCORE_* variables,
// and can be overridden with --driver, --path and --dsn.
package main

import (
	"context"
	"os"

	"github.com/untillpro/goutils/logger"
)

var (
	exitFunc = os.Exit
	osArgs   = os.Args
)

func main() {
	if err := execute(context.Background(), osArgs[1:], os.Stdout); err != nil {
		logger.Error(err)
		exitFunc(1)
	}
}
