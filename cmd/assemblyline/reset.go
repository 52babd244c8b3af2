package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/floorline/assemblyline/atomicstore"
	"github.com/floorline/assemblyline/breaker"
	"github.com/floorline/assemblyline/statemachine"
)

// newResetCmd clears a tripped breaker and removes the halt artifact. It
// does not move the contract out of erik_consultation — an operator (or
// another bus agent) still does that through the normal state machine.
func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task_id>",
		Short: "Clear a tripped breaker and remove its halt artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, args[0])
		},
	}
}

func runReset(opts *rootOptions, taskID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	c, err := loadContract(cfg.HandoffDir, taskID)
	if err != nil {
		return err
	}

	store := atomicstore.New(nil)
	eng := breaker.New(store, cfg.HandoffDir)
	if err := eng.Reset(c); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	if err := os.WriteFile(statemachine.ContractPath(cfg.HandoffDir, taskID), data, 0o644); err != nil {
		return fmt.Errorf("write contract: %w", err)
	}

	fmt.Printf("breaker reset for %s\n", taskID)
	return nil
}
