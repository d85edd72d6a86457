package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/questhub-engine/internal/domain"
)

// taskFile is the import format:
//
//	tasks:
//	  - id: follow-us
//	    type: social_follow
//	    platform: twitter
//	    target: questhub
//	    xp_reward: 50
type taskFile struct {
	Tasks []domain.Task `yaml:"tasks"`
}

func readTaskFile(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	seen := make(map[string]bool, len(file.Tasks))
	for i := range file.Tasks {
		t := &file.Tasks[i]
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i+1, t.ID, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task %d: duplicate id %s", i+1, t.ID)
		}
		seen[t.ID] = true
	}
	return file.Tasks, nil
}

func newTasksCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage task definitions",
	}

	var dryRun bool
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create or replace tasks from a YAML file",
		Args:  exactArgs(1, "FILE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTaskFile(args[0])
			if err != nil {
				return fail("Invalid task file", err)
			}
			out := cmd.OutOrStdout()
			if dryRun {
				success(out, "%d tasks are valid", len(tasks))
				return nil
			}

			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			for i := range tasks {
				if err := a.Store.UpsertTask(cmd.Context(), &tasks[i]); err != nil {
					return fail("Failed to store task "+tasks[i].ID, err)
				}
			}
			success(out, "imported %d tasks", len(tasks))
			return nil
		},
	}
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing")

	cmd.AddCommand(importCmd)
	return cmd
}
