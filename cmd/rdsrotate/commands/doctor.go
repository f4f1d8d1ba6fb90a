package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/secretstore"
)

// CheckResult is the outcome of one doctor check.
type CheckResult struct {
	Name       string
	Status     string // "ok", "warning" or "error"
	Detail     string
	Suggestion string
}

func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var (
		secretID string
		checkDB  bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check AWS access, secret state and database connectivity",
		Long: `Verify that rotation can run against a secret.

This command checks:
- Configuration validity
- AWS identity (STS GetCallerIdentity)
- Secret rotation state (rotation enabled, AWSCURRENT/AWSPENDING versions)
- The AWSCURRENT payload parses as a database credential
- With --check-db, that the AWSCURRENT credential can log in`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretID == "" {
				return dserrors.UserError{
					Message:    "Secret ID is required",
					Suggestion: "Specify the secret with --secret-id <arn or name>",
				}
			}

			if err := loadConfig(cfg); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Logger.Info("Checking rotation readiness for %s...", secretID)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := NewRuntime(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize clients: %w", err)
			}

			results := runDoctorChecks(ctx, rt, secretID, checkDB)
			printDoctorResults(cmd.OutOrStdout(), results)

			failed := 0
			for _, r := range results {
				if r.Status == "error" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret ARN or name (required)")
	cmd.Flags().BoolVar(&checkDB, "check-db", false, "Also log in to the database with the AWSCURRENT credential")

	_ = cmd.MarkFlagRequired("secret-id")

	return cmd
}

func runDoctorChecks(ctx context.Context, rt *Runtime, secretID string, checkDB bool) []CheckResult {
	results := []CheckResult{{Name: "config", Status: "ok", Detail: "configuration loaded"}}

	identity, err := rt.Identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		results = append(results, failure("aws identity", err))
	} else {
		results = append(results, CheckResult{
			Name:   "aws identity",
			Status: "ok",
			Detail: fmt.Sprintf("%s (account %s)", aws.ToString(identity.Arn), aws.ToString(identity.Account)),
		})
	}

	desc, err := rt.Store.Describe(ctx, secretID)
	if err != nil {
		results = append(results, failure("secret", err))
		return results
	}
	results = append(results, rotationCheck(desc))

	if _, ok := desc.VersionFor(secretstore.StagePending); ok {
		results = append(results, CheckResult{
			Name:       "pending version",
			Status:     "warning",
			Detail:     "an AWSPENDING version exists",
			Suggestion: "A rotation may be in progress or may have failed part way",
		})
	}

	current := rt.Store.Fetch(ctx, secretID, secretstore.StageCurrent, "")
	if current.State != secretstore.Found {
		results = append(results, failure("current credential", current.Err))
		return results
	}
	results = append(results, CheckResult{
		Name:   "current credential",
		Status: "ok",
		Detail: current.Credential.String(),
	})

	if checkDB {
		if err := rt.Database.VerifyConnection(ctx, current.Credential); err != nil {
			results = append(results, failure("database login", err))
		} else {
			results = append(results, CheckResult{
				Name:   "database login",
				Status: "ok",
				Detail: "SELECT 1 succeeded",
			})
		}
	}

	return results
}

func rotationCheck(desc secretstore.Description) CheckResult {
	r := CheckResult{Name: "secret", Status: "ok", Detail: desc.ARN}
	switch {
	case !desc.RotationEnabled:
		r.Status = "warning"
		r.Detail = "rotation is not enabled"
		r.Suggestion = "Enable rotation with this function as the rotation Lambda"
	case desc.RotationLambdaARN != "":
		r.Detail = "rotated by " + desc.RotationLambdaARN
	}
	if _, ok := desc.VersionFor(secretstore.StageCurrent); !ok {
		r.Status = "error"
		r.Detail = "no AWSCURRENT version"
		r.Suggestion = "Store an initial credential before rotating"
	}
	return r
}

func failure(name string, err error) CheckResult {
	r := CheckResult{Name: name, Status: "error"}
	if err != nil {
		r.Detail = err.Error()
		r.Suggestion = dserrors.Suggestion(err)
	}
	return r
}

func printDoctorResults(out io.Writer, results []CheckResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
	passed := 0
	for _, r := range results {
		if r.Status != "error" {
			passed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Status, r.Detail)
	}
	_ = w.Flush()

	for _, r := range results {
		if r.Suggestion != "" {
			_, _ = fmt.Fprintf(out, "💡 %s: %s\n", r.Name, r.Suggestion)
		}
	}
	_, _ = fmt.Fprintf(out, "\nSummary: %d/%d checks passed\n", passed, len(results))
}
