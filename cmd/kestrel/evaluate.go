package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var requestFile string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a price request from a file",
	Long: `Run the pricing pipeline on a JSON request and print the result.
Requests without inline rules use the published rules of the configured repository.

Example:
  kestrel evaluate -f request.json`,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&requestFile, "file", "f", "", "path to request JSON (- for stdin)")
	_ = evaluateCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var data []byte
	if requestFile == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(requestFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	var req domain.PriceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse request: %w", err)
	}

	comp, err := buildComponents(cfg, nil)
	if err != nil {
		return err
	}
	defer comp.Close()

	result, err := comp.pipeline.Evaluate(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
