package main

import (
	"context"
	"os"

	"github.com/openrlm/rlm-go/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
