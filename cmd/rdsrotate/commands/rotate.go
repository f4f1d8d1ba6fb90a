package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		secretID string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run all four rotation steps",
		Long: `Run createSecret, setSecret, testSecret and finishSecret in order against
a secret, stopping at the first failure.

A fresh token is generated unless --token is given. Re-running with the
token printed by a failed run resumes the same rotation.

Examples:
  rdsrotate rotate --secret-id prod/mysql
  rdsrotate rotate --secret-id prod/mysql --token 0f8e5c1a-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretID == "" {
				return dserrors.UserError{
					Message:    "Secret ID is required",
					Suggestion: "Specify the secret with --secret-id <arn or name>",
				}
			}
			if token == "" {
				token = uuid.NewString()
			}
			return runRotate(cmd, cfg, secretID, token)
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret ARN or name (required)")
	cmd.Flags().StringVar(&token, "token", "", "Client request token (default: a new UUID)")

	_ = cmd.MarkFlagRequired("secret-id")

	return cmd
}

func runRotate(cmd *cobra.Command, cfg *config.Config, secretID, token string) error {
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

	cfg.Logger.Info("Rotating %s with token %s", secretID, token)
	if err := rt.Handler(cfg).Rotate(ctx, secretID, token); err != nil {
		return dserrors.UserError{
			Message:    "Rotation failed",
			Details:    err.Error(),
			Suggestion: rotateSuggestion(err, secretID, token),
			Err:        err,
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s (token %s)\n", secretID, token)
	return nil
}

func rotateSuggestion(err error, secretID, token string) string {
	if hint := dserrors.Suggestion(err); hint != "" {
		return hint
	}
	return fmt.Sprintf("Fix the cause and resume with: rdsrotate rotate --secret-id %s --token %s", secretID, token)
}
