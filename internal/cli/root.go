package cli

import (
	"context"
	"strings"

	"github.com/joho/godotenv"
)

func Run(ctx context.Context, args []string) {
	_ = godotenv.Load()
	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "run":
		runSingle(ctx, args[1:])
	case "chat":
		runChat(ctx, args[1:])
	case "serve":
		runServe(ctx, args[1:])
	case "sessions":
		listSessions(ctx, args[1:])
	case "dlq":
		runDLQ(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		runSingle(ctx, args)
	}
}
