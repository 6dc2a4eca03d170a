package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/engine"
)

// CallConfig is the resolved input of the call command.
type CallConfig struct {
	Config
	OperationID string
	Args        []byte
	Out         io.Writer
}

var callRunner = runCall

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <operationId>",
		Short: "Invoke one operation and print the response",
		Long:  "Invoke one operation with JSON arguments keyed by exposed parameter names and print the response body.",
		Example: strings.TrimSpace(`  oas2mcp call getPet --input petstore.yaml --args '{"petId": 7}'
  oas2mcp call createPet --input petstore.yaml --args-file pet.json --strategy compiled`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			raw, err := readCallArgs(cmd)
			if err != nil {
				return err
			}
			return callRunner(cmd.Context(), &CallConfig{
				Config:      *cfg,
				OperationID: args[0],
				Args:        raw,
				Out:         cmd.OutOrStdout(),
			})
		},
	}

	flags := cmd.Flags()
	addInputFlags(flags)
	addInvokeFlags(flags)
	flags.String("args", "", "Arguments as a JSON object")
	flags.String("args-file", "", "Read arguments from a JSON file (- for stdin)")
	return cmd
}

func readCallArgs(cmd *cobra.Command) ([]byte, error) {
	inline, err := cmd.Flags().GetString("args")
	if err != nil {
		return nil, err
	}
	file, err := cmd.Flags().GetString("args-file")
	if err != nil {
		return nil, err
	}
	switch {
	case inline != "" && file != "":
		return nil, newUsageError("call: use either --args or --args-file, not both")
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, newUsageError(fmt.Sprintf("call: read --args-file: %v", err))
		}
		return data, nil
	default:
		return []byte(inline), nil
	}
}

func runCall(ctx context.Context, cfg *CallConfig) error {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	args, err := engine.ParseArgs(cfg.Args)
	if err != nil {
		return newUsageError(fmt.Sprintf("call: %v", err))
	}
	routes, base, err := loadRoutes(ctx, &cfg.Config, logger)
	if err != nil {
		return err
	}
	eng := newEngine(&cfg.Config, routes, base, newTransport(&cfg.Config, logger), logger)

	res, err := eng.Invoke(ctx, cfg.OperationID, args)
	if err != nil {
		logger.Debug("call failed", zap.String("code", string(engine.CodeOf(err))), zap.Error(err))
		switch engine.CodeOf(err) {
		case engine.CodeValidation, engine.CodeRoute, engine.CodeSchemaConflict:
			return newUsageError(fmt.Sprintf("call %s: %v", cfg.OperationID, err))
		}
		return fmt.Errorf("call %s: %w", cfg.OperationID, err)
	}
	return writeResult(cfg.Out, res)
}

// writeResult prints JSON bodies indented and other bodies verbatim.
func writeResult(w io.Writer, res *engine.InvocationResult) error {
	if !res.IsJSON {
		if len(res.Raw) == 0 {
			return nil
		}
		_, err := w.Write(res.Raw)
		if err == nil && !bytes.HasSuffix(res.Raw, []byte("\n")) {
			_, err = io.WriteString(w, "\n")
		}
		return err
	}
	compact, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}
