package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"github.com/systmms/rdsrotate/internal/config"
	"github.com/systmms/rdsrotate/internal/rotation"
)

// startLambda hands control to the Lambda runtime. Tests replace it.
var startLambda = func(handler interface{}) {
	lambda.Start(handler)
}

func NewLambdaCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve rotation events as an AWS Lambda function",
		Long: `Start the Lambda runtime loop. Each invocation receives a rotation event
({"SecretId", "ClientRequestToken", "Step"}) from Secrets Manager and runs
the matching step.

Configuration comes from environment variables (MAX_RETRIES,
RETRY_DELAY_SECONDS, SECRETS_MANAGER_ENDPOINT, ...) and the optional --config
file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfg); err != nil {
				return err
			}

			rt, err := NewRuntime(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize clients: %w", err)
			}

			cfg.Logger.Info("Starting rotation Lambda handler")
			startLambda(lambdaHandler(rt.Handler(cfg)))
			return nil
		},
	}
}

// lambdaHandler adapts the rotation handler to the Lambda signature.
func lambdaHandler(h *rotation.Handler) func(context.Context, rotation.Event) (string, error) {
	return func(ctx context.Context, ev rotation.Event) (string, error) {
		return h.Dispatch(ctx, ev)
	}
}
