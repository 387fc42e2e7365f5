// cmd/mcoda/main.go
package main

import (
	"os"

	"github.com/mcoda/mcoda/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
