package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mpataki/rig/internal/agents"
	"github.com/mpataki/rig/internal/config"
	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/orchestrator"
	"github.com/mpataki/rig/internal/pipeline"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/mpataki/rig/internal/steps"
	"github.com/mpataki/rig/internal/storage"
	"github.com/mpataki/rig/internal/tui"
	"github.com/mpataki/rig/internal/vault"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const searchTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "rig",
		Short:         "Scheduled agent pipelines",
		Long:          "Rig runs named agents, each a pipeline of built-in steps, by hand or on a cron schedule.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunAgentCommand())
	rootCmd.AddCommand(newListStepsCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newTUICommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env is the set of collaborators most commands share.
type env struct {
	cfg        *config.Config
	log        *logrus.Logger
	store      *storage.Storage
	registry   *pipeline.Registry
	agentsPath string
}

type envOptions struct {
	store bool
	vault bool
	// agentsPath overrides --file and $RIG_AGENTS. lua_script resolves
	// relative files against its directory.
	agentsPath string
}

func newEnv(cmd *cobra.Command, opts envOptions) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e := &env{cfg: cfg, log: config.NewLogger(cfg), agentsPath: opts.agentsPath}
	if e.agentsPath == "" {
		e.agentsPath = cfg.AgentsPath
		if f := cmd.Flags().Lookup("file"); f != nil && f.Value.String() != "" {
			e.agentsPath = f.Value.String()
		}
	}

	if opts.store || opts.vault {
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	deps := steps.Deps{Log: e.log, ScriptDir: filepath.Dir(e.agentsPath)}
	if opts.store {
		store, err := storage.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		e.store = store
		deps.Store = store
	}
	if opts.vault {
		v, err := vault.Create(cfg.VaultDir)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open vault: %w", err)
		}
		deps.Vault = v
	}
	if cfg.SearchURL != "" {
		deps.Searcher = steps.NewSearXNG(cfg.SearchURL, searchTimeout)
	}

	e.registry = pipeline.NewRegistry()
	if err := steps.RegisterBuiltins(e.registry, deps); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

func (e *env) runner() *orchestrator.Runner {
	var rec orchestrator.Recorder
	if e.store != nil {
		rec = e.store
	}
	return orchestrator.New(e.registry, rec, e.log)
}

func (e *env) loadAgents() ([]models.AgentConfig, error) {
	return agents.Load(e.agentsPath, e.registry)
}

func agentsFileFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Agents file (default $RIG_AGENTS or agents.yaml)")
}

func newRunAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-agent <config>",
		Short: "Run one agent's pipeline now",
		Long: "Run one agent from an agents file and print its report. The file may hold a single agent; " +
			"otherwise pick one with --id. Exits non-zero unless the run succeeded.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			printOnly, _ := cmd.Flags().GetBool("print")
			showContext, _ := cmd.Flags().GetBool("context")

			e, err := newEnv(cmd, envOptions{store: !printOnly, vault: !printOnly, agentsPath: args[0]})
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.loadAgents()
			if err != nil {
				return err
			}
			agent, err := pickAgent(list, id)
			if err != nil {
				return err
			}

			if printOnly {
				out, err := yaml.Marshal(agent)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}

			report, err := e.runner().RunAgent(cmd.Context(), agent, models.TriggerManual)
			printReport(report)
			if showContext {
				data, jerr := json.MarshalIndent(report.Context, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(data))
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return report.Err()
			}
			return nil
		},
	}

	cmd.Flags().String("id", "", "Agent to run when the file holds several")
	cmd.Flags().Bool("print", false, "Validate and print the resolved agent without running it")
	cmd.Flags().Bool("context", false, "Print the final run context as JSON")
	return cmd
}

func pickAgent(list []models.AgentConfig, id string) (*models.AgentConfig, error) {
	if id != "" {
		return agents.Find(list, id)
	}
	switch len(list) {
	case 0:
		return nil, fmt.Errorf("no agents defined")
	case 1:
		return &list[0], nil
	}
	ids := make([]string, len(list))
	for i := range list {
		ids[i] = list[i].ID
	}
	return nil, fmt.Errorf("file defines %d agents, choose one with --id: %s", len(list), strings.Join(ids, ", "))
}

func printReport(r *models.RunReport) {
	if r == nil {
		return
	}
	fmt.Printf("Run %s (%s): %s in %s\n", r.RunID, r.AgentID, r.Outcome, r.Duration().Round(time.Millisecond))
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	for i, s := range r.Steps {
		mark := "ok"
		if s.Outcome == models.StepFailure {
			mark = "FAILED"
		}
		fmt.Printf("  %d. %-22s %-6s %s\n", i+1, s.Step, mark, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
		if s.Error != "" {
			fmt.Printf("     %s\n", s.Error)
		}
	}
}

func newListStepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-steps",
		Short: "List registered step names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			for _, name := range e.registry.ListSteps() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, _ := cmd.Flags().GetString("agent")
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := newEnv(cmd, envOptions{store: true})
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(agentID, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				line := fmt.Sprintf("%s  %-20s %-16s %-8s %-10s %s",
					run.RunID, run.AgentID, run.Outcome, run.Trigger,
					storage.FormatTimeAgo(run.StartedAt), run.Duration().Round(time.Millisecond))
				if run.FailedStep != "" {
					line += "  failed at " + run.FailedStep
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().String("agent", "", "Only show runs of this agent")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{store: true})
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			printReport(report)
			fmt.Printf("Trigger: %s\n", report.Trigger)
			fmt.Printf("Started: %s\n", report.StartedAt.Local().Format(time.DateTime))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{store: true})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.DeleteRun(args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newTUICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Browse agents and run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{store: true, vault: true})
			if err != nil {
				return err
			}
			defer e.Close()
			// Log lines would tear the alt screen.
			e.log.SetOutput(io.Discard)

			list, err := e.loadAgents()
			if err != nil {
				return err
			}
			sched, err := scheduler.New(list, e.runner(), scheduler.Options{
				Location: e.cfg.Location,
				Store:    e.store,
				Log:      e.log,
			})
			if err != nil {
				return err
			}
			if states, err := e.store.LoadScheduleStates(); err == nil {
				sched.Restore(states)
			}

			p := tea.NewProgram(tui.NewApp(sched, e.store), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	agentsFileFlag(cmd)
	return cmd
}
