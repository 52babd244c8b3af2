package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/floorline/assemblyline/contract"
	"github.com/floorline/assemblyline/statemachine"
)

// newStatusCmd prints a contract's current status, breaker counters, and
// lock holder — a read-only operator view, never mutating state.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Print a contract's status, breaker counters, and lock holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0])
		},
	}
}

func runStatus(opts *rootOptions, taskID string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	c, err := loadContract(cfg.HandoffDir, taskID)
	if err != nil {
		return err
	}

	fmt.Printf("task_id:       %s\n", c.TaskID)
	fmt.Printf("status:        %s\n", c.Status)
	if c.StatusReason != "" {
		fmt.Printf("status_reason: %s\n", c.StatusReason)
	}
	fmt.Printf("breaker:       %s", c.Breaker.Status)
	if c.Breaker.TriggeredBy != "" {
		fmt.Printf(" (triggered_by=%s)", c.Breaker.TriggeredBy)
	}
	fmt.Println()
	fmt.Printf("  rebuttals:       %d\n", c.Breaker.RebuttalCount)
	fmt.Printf("  review_cycles:   %d\n", c.Breaker.ReviewCycleCount)
	fmt.Printf("  tokens_used:     %d\n", c.Breaker.TokensUsed)
	fmt.Printf("  cost_usd:        %.4f\n", c.Breaker.CostUSD)
	fmt.Printf("  scope_files:     %d\n", c.Breaker.ScopeFileCount)
	if c.Lock != nil {
		fmt.Printf("lock:          held_by=%s expires_at=%s\n", c.Lock.HeldBy, c.Lock.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	} else {
		fmt.Println("lock:          (unlocked)")
	}
	return nil
}

// loadContract reads and parses one task's contract document.
func loadContract(handoffDir, taskID string) (*contract.Contract, error) {
	data, err := os.ReadFile(statemachine.ContractPath(handoffDir, taskID))
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	var c contract.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	return &c, nil
}
