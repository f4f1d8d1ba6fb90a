package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/rotation"
)

func NewStepCommand(cfg *config.Config) *cobra.Command {
	var (
		secretID string
		token    string
		step     string
	)

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run a single rotation step",
		Long: `Run one rotation step against a secret, exactly as the Lambda would for
the same event.

Examples:
  # Create the pending version for a manual rotation
  rdsrotate step --secret-id prod/mysql --token 6a1f... --step createSecret

  # Re-run the database update after a failure
  rdsrotate step --secret-id prod/mysql --token 6a1f... --step setSecret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretID == "" {
				return dserrors.UserError{
					Message:    "Secret ID is required",
					Suggestion: "Specify the secret with --secret-id <arn or name>",
				}
			}
			if step == "" {
				return dserrors.UserError{
					Message:    "Rotation step is required",
					Suggestion: "Use --step with one of: " + strings.Join(rotation.Steps, ", "),
				}
			}

			return runStep(cmd, cfg, rotation.Event{
				SecretID:           secretID,
				ClientRequestToken: token,
				Step:               step,
			})
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret ARN or name (required)")
	cmd.Flags().StringVar(&token, "token", "", "Client request token of the rotation")
	cmd.Flags().StringVar(&step, "step", "", "Step to run: "+strings.Join(rotation.Steps, ", ")+" (required)")

	_ = cmd.MarkFlagRequired("secret-id")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}

func runStep(cmd *cobra.Command, cfg *config.Config, ev rotation.Event) error {
	if err := loadConfig(cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize clients: %w", err)
	}

	msg, err := rt.Handler(cfg).Dispatch(ctx, ev)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
