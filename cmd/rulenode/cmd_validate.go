package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marc45/rule-engine/pkg/config"
	"github.com/marc45/rule-engine/pkg/memory"
	"github.com/marc45/rule-engine/pkg/registry"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and every node's settings",
	Long: `Loads the configuration file and starts each node on an in-memory
context, which compiles scripts and expressions, without connecting to NATS.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := validateNodes(cmd.Context(), f, registry.Default(zap.NewNop())); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d node(s) valid\n", len(f.Nodes))
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the registered node types",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, t := range registry.Default(zap.NewNop()).Types() {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
	},
}

// validateNodes builds and starts every node of f on a throwaway context.
func validateNodes(ctx context.Context, f *config.File, reg *registry.Registry) error {
	for i := range f.Nodes {
		spec := &f.Nodes[i]
		n, err := reg.CreateNode(&spec.RuleNodeConfig)
		if err != nil {
			return err
		}
		ectx := memory.New()
		err = n.Start(ctx, ectx)
		ectx.Stop()
		if err != nil {
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
	}
	return nil
}
