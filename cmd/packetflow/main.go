// Package main is the entry point for the packetflow binary.
// It loads a flow file, binds it to the built-in node library and runs it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/polisai/packetflow/pkg/config"
	"github.com/polisai/packetflow/pkg/engine"
	"github.com/polisai/packetflow/pkg/flow"
	"github.com/polisai/packetflow/pkg/nodes"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for packetflow
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "packetflow",
		Short: "Run packet dataflow graphs",
		Long: `packetflow binds a flow file (YAML, JSON or HCL) to the built-in node library
and runs it by injecting a packet at a trigger node.

Example:
  packetflow run --flow flow.yaml --trigger start --payload '{"name":"bob"}'`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newNodesCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a flow file for structural errors and unknown node types",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("flow", "f", "", "Path to the flow file")
	_ = cmd.MarkFlagRequired("flow")
	return cmd
}

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the registered node types",
		RunE:  runNodes,
	}
	cmd.Flags().Bool("json", false, "Print descriptors as JSON")
	return cmd
}

// builtinEngine registers the built-in node classes without guards or services.
func builtinEngine() (*engine.Engine, error) {
	logger := slog.New(slog.DiscardHandler)
	return engine.New(engine.Config{Nodes: nodes.Builtin(logger), Logger: logger})
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("flow")
	if err != nil {
		return fmt.Errorf("failed to get flow flag: %w", err)
	}

	desc, err := config.LoadFlowFile(path)
	if err != nil {
		return err
	}

	eng, err := builtinEngine()
	if err != nil {
		return err
	}

	var problems []string
	if result := flow.VerifySafe(desc.Nodes, desc.Connections); !result.OK {
		problems = append(problems, result.Reason)
	}
	for _, n := range desc.Nodes {
		if _, ok := eng.Lookup(n.Type); !ok {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
	}

	out := cmd.OutOrStdout()
	if len(problems) > 0 {
		for _, problem := range problems {
			fmt.Fprintf(out, "invalid: %s\n", problem)
		}
		return fmt.Errorf("flow %s has %d problem(s)", path, len(problems))
	}

	fmt.Fprintf(out, "flow %s is valid: %d nodes, %d connections\n", path, len(desc.Nodes), len(desc.Connections))
	return nil
}

type nodeInfo struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

func runNodes(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("failed to get json flag: %w", err)
	}

	eng, err := builtinEngine()
	if err != nil {
		return err
	}

	infos := make([]nodeInfo, 0)
	for _, desc := range eng.Descriptors() {
		infos = append(infos, nodeInfo{
			Name:    desc.Name,
			Aliases: desc.Aliases,
			Inputs:  desc.InputPorts,
			Outputs: desc.OutputPorts,
		})
	}

	out := cmd.OutOrStdout()
	if asJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("encode descriptors: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tALIASES\tINPUTS\tOUTPUTS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, dashIfEmpty(info.Aliases), dashIfEmpty(info.Inputs), dashIfEmpty(info.Outputs))
	}
	return w.Flush()
}

func dashIfEmpty(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
