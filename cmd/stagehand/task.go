package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <issue-number>",
	Short: "Claim an issue and create its pipeline task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid issue number %q", args[0])
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		task, err := a.orch.StartTask(cmd.Context(), number)
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run stages until the task halts, fails or completes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		task, err := a.orch.RunToHalt(cmd.Context(), args[0])
		if task != nil {
			printTask(task)
		}
		return err
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <task-id>",
	Short: "Run exactly one stage of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		task, err := a.orch.RunNextStage(cmd.Context(), args[0])
		if task != nil {
			printTask(task)
		}
		return err
	},
}

var approveActor string

var approveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Clear a pending approval gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		task, err := a.orch.Approve(cmd.Context(), args[0], approveActor)
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var (
	overrideActor  string
	overrideReason string
)

var overrideCmd = &cobra.Command{
	Use:   "override <task-id>",
	Short: "Clear a gate against the stage's recommendation",
	Long: `Override clears an approval gate even though the halted stage
recommended against proceeding. The actor and reason are recorded in the
task's audit trail.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		task, err := a.orch.Override(cmd.Context(), args[0], overrideActor, overrideReason)
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show one task, or a summary of all tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			task, err := a.orch.Store().Load(args[0])
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		}

		tasks, err := a.orch.Store().List()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		for _, task := range tasks {
			fmt.Println(task.Summary())
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveActor, "actor", "", "who is approving (required)")
	_ = approveCmd.MarkFlagRequired("actor")

	overrideCmd.Flags().StringVar(&overrideActor, "actor", "", "who is overriding (required)")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "why the recommendation is bypassed (required)")
	_ = overrideCmd.MarkFlagRequired("actor")
	_ = overrideCmd.MarkFlagRequired("reason")
}
