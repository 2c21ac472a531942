package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/openrlm/rlm-go/scheduler"
)

// runServe loads the jobs declared in the config file and keeps the
// scheduler running in the foreground until interrupted.
func runServe(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildDeps(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.shutdown()

	if len(deps.cfg.Jobs) == 0 {
		log.Fatal("no jobs declared in the config file")
	}

	sched := scheduler.New(func(ctx context.Context, cfg scheduler.JobConfig) (string, error) {
		sessionKey := cfg.SessionKey
		if sessionKey == "" {
			sessionKey = "job-" + uuid.NewString()
		}
		prompt := cfg.SystemPrompt
		if prompt == "" {
			prompt = defaultSystemPrompt
		}
		worker, err := deps.newAgent(sessionKey, 0, prompt)
		if err != nil {
			return "", err
		}
		return worker.Run(ctx, cfg.Input)
	})

	for _, spec := range deps.cfg.Jobs {
		err := sched.Add(spec.Name, spec.Schedule, scheduler.JobConfig{
			Input:        spec.Input,
			SessionKey:   spec.SessionKey,
			SystemPrompt: spec.SystemPrompt,
		})
		if err != nil {
			log.Fatalf("failed to add job %q: %v", spec.Name, err)
		}
	}

	sched.Start()
	defer sched.Stop()
	fmt.Printf("scheduler running with %d job(s), ctrl-c to stop\n", len(deps.cfg.Jobs))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
}
