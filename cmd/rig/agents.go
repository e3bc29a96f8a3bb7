package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mpataki/rig/internal/agents"
	"github.com/mpataki/rig/internal/scheduler"
	"github.com/mpataki/rig/internal/storage"
	"github.com/spf13/cobra"
)

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and edit the agents file",
	}
	cmd.PersistentFlags().StringP("file", "f", "", "Agents file (default $RIG_AGENTS or agents.yaml)")

	cmd.AddCommand(newAgentsListCommand())
	cmd.AddCommand(newAgentsToggleCommand("enable", true))
	cmd.AddCommand(newAgentsToggleCommand("disable", false))
	cmd.AddCommand(newAgentsNewCommand())
	cmd.AddCommand(newAgentsValidateCommand())
	return cmd
}

func newAgentsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			showNext, _ := cmd.Flags().GetBool("next")

			e, err := newEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.loadAgents()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No agents configured.")
				return nil
			}

			now := time.Now()
			for i := range list {
				a := &list[i]
				state := "enabled"
				if !a.Enabled {
					state = "disabled"
				}
				schedule := a.Schedule.Cron
				if schedule == "" {
					schedule = "manual"
				}

				line := fmt.Sprintf("%-20s %-8s %-15s", a.ID, state, schedule)
				if showNext {
					next, ok, err := scheduler.NextRun(a, e.cfg.Location, now)
					switch {
					case err != nil:
						line += "  next: " + err.Error()
					case ok:
						line += fmt.Sprintf("  next: %s (%s)", next.Format("2006-01-02 15:04 MST"), storage.FormatTimeAgo(next))
					default:
						line += "  next: -"
					}
				}
				if a.Description != "" {
					line += "  " + a.Description
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Bool("next", false, "Show each agent's next scheduled run")
	return cmd
}

func newAgentsToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("%s an agent's schedule", capitalize(verb)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			changed, err := agents.SetEnabled(e.agentsPath, args[0], enabled)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("%s is already %sd\n", args[0], verb)
				return nil
			}
			fmt.Printf("%sd %s\n", capitalize(verb), args[0])
			return nil
		},
	}
}

func newAgentsNewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <id>",
		Short: "Add a disabled agent skeleton to the agents file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, _ := cmd.Flags().GetString("schedule")
			if schedule != "" {
				if _, err := scheduler.ParseCron(schedule); err != nil {
					return err
				}
			}

			e, err := newEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			doc, err := agents.OpenDocument(e.agentsPath)
			if errors.Is(err, fs.ErrNotExist) {
				doc, err = agents.ParseDocument(nil)
			}
			if err != nil {
				return err
			}

			if err := doc.AddAgent(agents.NewAgentTemplate(args[0], schedule)); err != nil {
				return err
			}
			if err := doc.SaveAs(e.agentsPath); err != nil {
				return err
			}
			fmt.Printf("Added %s to %s (disabled; edit its pipeline, then run 'rig agents enable %s')\n",
				args[0], e.agentsPath, args[0])
			return nil
		},
	}
	cmd.Flags().String("schedule", "", "Cron expression, e.g. \"0 6 * * *\"")
	return cmd
}

func newAgentsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the agents file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			data, err := os.ReadFile(e.agentsPath)
			if err != nil {
				return fmt.Errorf("failed to read agents file: %w", err)
			}

			problems := agents.Lint(data, e.registry)
			if len(problems) == 0 {
				fmt.Printf("%s: ok\n", e.agentsPath)
				return nil
			}
			for _, p := range problems {
				fmt.Printf("%s: %s\n", e.agentsPath, p)
			}
			return fmt.Errorf("%d problem(s) found", len(problems))
		},
	}
}

// listStatus prints the scheduler's view of every agent.
func listStatus(statuses []scheduler.AgentStatus) {
	for _, s := range statuses {
		next := "-"
		if s.NextRunAt != nil {
			next = storage.FormatTimeAgo(*s.NextRunAt)
		}
		last := "never"
		if s.LastRunAt != nil {
			last = storage.FormatTimeAgo(*s.LastRunAt)
			if s.LastOutcome != "" {
				last += " (" + string(s.LastOutcome) + ")"
			}
		}
		fmt.Printf("  %-20s next %-12s last %s\n", s.ID, next, last)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
