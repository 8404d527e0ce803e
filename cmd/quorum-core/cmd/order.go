package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/plan"
)

var orderCmd = &cobra.Command{
	Use:   "order <plan>",
	Short: "Print start order, shutdown order and task layers of a plan",
	Long: `Resolve the component dependency graph and the task graph of a plan file
without starting anything.

Components are listed in start order, then in shutdown order (the exact
reverse). Tasks are grouped into the layers they would run in. A dependency
cycle is reported with the participating ids and a non-zero exit status.

Examples:
  quorum-core order plan.yaml
  quorum-core order plan.yaml --mode level
  quorum-core order plan.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runOrder,
}

var (
	orderMode string
	orderJSON bool
)

func init() {
	rootCmd.AddCommand(orderCmd)

	orderCmd.Flags().StringVar(&orderMode, "mode", "",
		"task layer mode (topological, level); default from config")
	orderCmd.Flags().BoolVar(&orderJSON, "json", false,
		"print machine-readable JSON")
}

// OrderResult is the JSON form of `order`.
type OrderResult struct {
	Plan          string     `json:"plan,omitempty"`
	StartOrder    []string   `json:"start_order"`
	ShutdownOrder []string   `json:"shutdown_order"`
	Critical      []string   `json:"critical"`
	TaskLayers    [][]string `json:"task_layers"`
}

func runOrder(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	mode := orderMode
	if mode == "" {
		if cfg, err := loadConfig(); err == nil {
			mode = cfg.Tasks.DependencyResolutionMode
		}
	}
	layerMode, err := graph.ParseLayerMode(mode)
	if err != nil {
		return err
	}

	start, stop, err := p.ComponentOrder()
	if err != nil {
		return fmt.Errorf("component graph: %w", err)
	}
	layers, err := p.TaskLayers(layerMode)
	if err != nil {
		return fmt.Errorf("task graph: %w", err)
	}

	res := OrderResult{
		Plan:          p.Name,
		StartOrder:    nonNil(start),
		ShutdownOrder: nonNil(stop),
		Critical:      nonNil(p.Critical()),
		TaskLayers:    layers,
	}
	if res.TaskLayers == nil {
		res.TaskLayers = [][]string{}
	}

	out := cmd.OutOrStdout()
	if orderJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printOrder(out, res)
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func printOrder(w io.Writer, res OrderResult) {
	critical := make(map[string]bool, len(res.Critical))
	for _, id := range res.Critical {
		critical[id] = true
	}

	if res.Plan != "" {
		fmt.Fprintf(w, "Plan: %s\n\n", res.Plan)
	}
	fmt.Fprintln(w, "Start order:")
	if len(res.StartOrder) == 0 {
		fmt.Fprintln(w, "  (no components)")
	}
	for i, id := range res.StartOrder {
		suffix := ""
		if critical[id] {
			suffix = " (critical)"
		}
		fmt.Fprintf(w, "  %d. %s%s\n", i+1, id, suffix)
	}

	fmt.Fprintln(w, "\nShutdown order:")
	if len(res.ShutdownOrder) == 0 {
		fmt.Fprintln(w, "  (no components)")
	}
	for i, id := range res.ShutdownOrder {
		fmt.Fprintf(w, "  %d. %s\n", i+1, id)
	}

	fmt.Fprintln(w, "\nTask layers:")
	if len(res.TaskLayers) == 0 {
		fmt.Fprintln(w, "  (no tasks)")
	}
	for i, layer := range res.TaskLayers {
		fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(layer, ", "))
	}
}
