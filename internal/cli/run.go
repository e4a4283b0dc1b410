package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravel-io/caravel/internal/config"
	"github.com/caravel-io/caravel/internal/ir"
	"github.com/caravel-io/caravel/internal/pipeline"
	"github.com/caravel-io/caravel/internal/provider"
)

var (
	runCommit      string
	runBranch      string
	runWorkers     int
	runCredentials []string
)

var runCmd = &cobra.Command{
	Use:   "run <pipeline file>",
	Short: "Run a deployment pipeline",
	Long: `Executes the stage graph declared in a pipeline file. Independent
stages run concurrently; a stage starts only after every stage it needs has
passed. A failed stage skips its downstream stages while unrelated branches
finish.

Credentials are passed by environment variable name:

  caravel run deploy.yaml --commit abc123 --cred AWS_ACCESS_KEY_ID --cred KUBE_TOKEN

Interrupting a run (Ctrl-C) takes effect at stage boundaries: stages already
started finish, stages not yet started are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCommit, "commit", "", "Commit identifier for the triggering change")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch of the triggering change")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Maximum concurrent stages")
	runCmd.Flags().StringArrayVar(&runCredentials, "cred", nil, "Credential to expose to stages, by environment variable name")
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := config.LoadPipeline(args[0])
	if err != nil {
		return err
	}

	trigger := &ir.Trigger{
		Commit:      runCommit,
		Branch:      runBranch,
		Credentials: make(map[string]string, len(runCredentials)),
	}
	for _, name := range runCredentials {
		if value, ok := os.LookupEnv(name); ok {
			trigger.Credentials[name] = value
		}
	}

	registry := provider.NewRegistry()
	RegisterBuiltins(registry)

	executor := pipeline.NewExecutor(NewRunnerRegistry(registry))
	executor.Workers = runWorkers
	executor.Callback = func(event pipeline.Event) {
		switch event.Status {
		case ir.StageRunning:
			fmt.Printf("  %s: running...\n", event.Stage)
		case ir.StagePassed:
			fmt.Printf("  \033[32m%s: passed\033[0m (%s)\n", event.Stage, event.Duration.Round(time.Millisecond))
		case ir.StageFailed:
			fmt.Printf("  \033[31m%s: FAILED\033[0m (%s)\n", event.Stage, event.Diagnostic)
		case ir.StageSkipped:
			fmt.Printf("  %s: skipped (%s)\n", event.Stage, event.Diagnostic)
		}
	}

	// SIGINT/SIGTERM cancel the run at the next stage boundary.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Running pipeline %q (commit %s)\n\n", p.Name, shortCommit(runCommit))
	run, runErr := executor.Run(ctx, p, trigger)

	fmt.Printf("\nRun %s: %s\n", run.ID, strings.ToUpper(run.Status))
	for _, result := range run.Results {
		line := fmt.Sprintf("  %-20s %s", result.Stage, result.Status)
		if result.Artifact != "" {
			line += "  " + result.Artifact
		}
		fmt.Println(line)
	}

	return runErr
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	if commit == "" {
		return "unknown"
	}
	return commit
}
