package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/talgya/covidsim/internal/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario>...",
		Short: "Check scenario files against the schema and semantic rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variantsPath, _ := cmd.Flags().GetString("variants")
			bad := 0
			for _, path := range args {
				if _, _, err := loadInputs(path, variantsPath); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					bad++
					continue
				}
				fmt.Printf("%s: ok\n", path)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d scenarios invalid", bad, len(args))
			}
			return nil
		},
	}
	cmd.Flags().String("variants", "", "Variant descriptor file to check initial_variant against")
	return cmd
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the baseline scenario",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := "scenario.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write scenario: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}
