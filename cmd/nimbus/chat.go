package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimbus-cli/nimbus/internal/hooks"
	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

var (
	flagNoStream bool
	flagSystem   string
	flagTask     string
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt (or pipe stdin) to the routed model",
	Args:  cobra.ArbitraryArgs,
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&flagNoStream, "no-stream", false, "wait for the full response instead of streaming")
	chatCmd.Flags().StringVar(&flagSystem, "system", "", "system prompt")
	chatCmd.Flags().StringVar(&flagTask, "task", "", "task class for cost-optimized model selection")
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("no prompt given")
	}

	if blocked, msg := runPromptHooks(cmd, prompt); blocked {
		return fmt.Errorf("%s", msg)
	}

	r, cleanup, err := buildRouter(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	var messages []models.Message
	if flagSystem != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: flagSystem})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: prompt})

	req := &llm.CompletionRequest{Messages: messages, Model: flagModel}

	if flagNoStream {
		resp, err := r.Complete(cmd.Context(), req, flagTask)
		if err != nil {
			return err
		}
		fmt.Println(resp.Content)
		if flagVerbose && resp.Cost != nil {
			fmt.Fprintf(os.Stderr, "tokens=%d cost=$%.6f\n", resp.Usage.TotalTokens, resp.Cost.CostUSD)
		}
		return nil
	}

	chunks, err := r.Stream(cmd.Context(), req, flagTask)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		fmt.Print(chunk.Content)
		if chunk.Done {
			fmt.Println()
			if flagVerbose && chunk.Usage != nil {
				fmt.Fprintf(os.Stderr, "tokens=%d\n", chunk.Usage.TotalTokens)
			}
		}
	}

	if fb := r.LastStreamFallback(); fb.IsFallback {
		fmt.Fprintf(os.Stderr, "note: served by fallback provider %s (failed: %s)\n",
			fb.Active, strings.Join(fb.Failed, ", "))
	}
	return nil
}

// runPromptHooks runs permission hooks for the chat pseudo-tool when a
// hooks file is present.
func runPromptHooks(cmd *cobra.Command, prompt string) (bool, string) {
	cfg, err := hooks.LoadConfig(hooks.DefaultConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
		return false, ""
	}

	engine := hooks.NewEngine(cfg, newLogger(), "cli", "")
	if !engine.HasHooks(hooks.EventPermission) {
		return false, ""
	}

	input, _ := json.Marshal(map[string]string{"prompt": prompt})
	result := engine.RunPermission(cmd.Context(), "chat", input)
	for _, w := range result.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if !result.Allowed {
		return true, result.Message
	}
	return false, ""
}
