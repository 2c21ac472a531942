package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
)

func runSingle(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	input := normalizeInput(positional)
	if input == "" {
		log.Fatal("input cannot be empty")
	}

	deps, err := buildDeps(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.shutdown()

	sessionKey := opts.sessionKey
	if sessionKey == "" {
		sessionKey = "run-" + uuid.NewString()
	}
	root, err := deps.newAgent(sessionKey, 0, systemPrompt(opts))
	if err != nil {
		log.Fatalf("failed to create agent: %v", err)
	}

	result, err := root.RunDetailed(ctx, input)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	fmt.Println(result.Output)
	printSpend(deps, sessionKey)
}

func runChat(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildDeps(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.shutdown()

	sessionKey := opts.sessionKey
	if sessionKey == "" {
		sessionKey = "chat-" + uuid.NewString()
	}
	root, err := deps.newAgent(sessionKey, 0, systemPrompt(opts))
	if err != nil {
		log.Fatalf("failed to create agent: %v", err)
	}

	fmt.Printf("session %s (/budget shows spend, /quit exits)\n", sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return
		case line == "/budget":
			printSpend(deps, sessionKey)
			continue
		}

		output, err := root.Run(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(output)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("stdin read failed: %v", err)
	}
}

func listSessions(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildDeps(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.shutdown()

	records, err := deps.store.List(ctx, 50)
	if err != nil {
		log.Fatalf("failed to list sessions: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, rec := range records {
		fmt.Printf("%s\tdepth=%d calls=%d cost=$%.4f tokens=%d updated=%s\n",
			rec.Key, rec.Depth, rec.CallCount, rec.EstCostUSD,
			rec.ActualTokensUsed, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func runDLQ(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: rlm dlq <list|retry|remove|clear> [id]")
	}

	deps, err := buildDeps(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.shutdown()

	dlq := deps.executor.DeadLetter()
	switch positional[0] {
	case "list":
		ops, err := dlq.List(ctx, 50)
		if err != nil {
			log.Fatalf("failed to list dead letters: %v", err)
		}
		if len(ops) == 0 {
			fmt.Println("dead letter queue is empty")
			return
		}
		for _, op := range ops {
			fmt.Printf("%s\ttool=%s retries=%d error=%s\n", op.ID, op.Tool, op.Retries, op.Error)
		}
	case "retry":
		if len(positional) < 2 {
			log.Fatal("usage: rlm dlq retry <id>")
		}
		out, err := deps.executor.RetryFailed(ctx, positional[1])
		if err != nil {
			log.Fatalf("retry failed: %v", err)
		}
		fmt.Printf("%v\n", out)
	case "remove":
		if len(positional) < 2 {
			log.Fatal("usage: rlm dlq remove <id>")
		}
		if err := dlq.Remove(ctx, positional[1]); err != nil {
			log.Fatalf("remove failed: %v", err)
		}
		fmt.Println("removed", positional[1])
	case "clear":
		if err := dlq.Clear(ctx); err != nil {
			log.Fatalf("clear failed: %v", err)
		}
		fmt.Println("cleared")
	default:
		log.Fatalf("unknown dlq command %q", positional[0])
	}
}

func systemPrompt(opts cliOptions) string {
	if opts.systemPrompt != "" {
		return opts.systemPrompt
	}
	if env := strings.TrimSpace(os.Getenv("RLM_SYSTEM_PROMPT")); env != "" {
		return env
	}
	return defaultSystemPrompt
}

func printSpend(deps *runtimeDeps, sessionKey string) {
	sess := deps.ledger.Get(sessionKey)
	budget := deps.ledger.Budget()
	fmt.Fprintf(os.Stderr, "[%s] calls %d/%d, cost $%.4f/$%.2f, tokens %d\n",
		sessionKey, sess.CallCount, budget.MaxCalls,
		sess.EstCostUSD, budget.BudgetUSD, sess.ActualTokensUsed)
}
