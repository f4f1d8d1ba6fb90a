// Package secretstore reads and writes database credential versions kept in
// AWS Secrets Manager.
package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/logging"
	"github.com/systmms/rdsrotate/internal/retry"
)

// Stage is a version stage label.
type Stage string

const (
	StageCurrent  Stage = "AWSCURRENT"
	StagePending  Stage = "AWSPENDING"
	StagePrevious Stage = "AWSPREVIOUS"
)

// SecretsManagerClientAPI is the subset of the Secrets Manager client the
// store uses. It allows for fakes in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

// Store fetches and writes credential versions.
type Store struct {
	client SecretsManagerClientAPI
	policy retry.Policy
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClient sets a custom Secrets Manager client (for testing)
func WithClient(client SecretsManagerClientAPI) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithRetryPolicy sets the attempt budget and delay used when a pending
// version token conflicts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store. Without WithClient it builds a Secrets Manager client
// from cfg and the default AWS credential chain.
func New(ctx context.Context, cfg config.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{
		policy: retry.Policy{
			Attempts: config.DefaultMaxRetries,
			Delay:    config.DefaultRetryDelay,
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}

	return s, nil
}

// LoadAWSConfig loads the shared AWS configuration for cfg's region, using
// static credentials when both keys are set (LocalStack/testing).
func LoadAWSConfig(ctx context.Context, cfg config.StoreConfig) (aws.Config, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// FetchState tags the outcome of Fetch.
type FetchState int

const (
	Found FetchState = iota + 1
	Absent
	Failed
)

func (s FetchState) String() string {
	switch s {
	case Found:
		return "found"
	case Absent:
		return "absent"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("FetchState(%d)", int(s))
}

// FetchResult is the outcome of Fetch. Credential and VersionID are set only
// when State is Found; Err only when State is Failed.
type FetchResult struct {
	State      FetchState
	Credential Credential
	VersionID  string
	Err        error
}

// Fetch reads the version of secretID holding stage, pinned to token when
// token is not empty. A pending version that does not exist is Absent; every
// other miss or error is Failed.
func (s *Store) Fetch(ctx context.Context, secretID string, stage Stage, token string) FetchResult {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(string(stage)),
	}
	if token != "" {
		input.VersionId = aws.String(token)
	}

	out, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		if IsNotFound(err) && stage == StagePending {
			s.logger.Info("No %s version of %s yet", stage, secretID)
			return FetchResult{State: Absent}
		}
		s.logger.Error("Failed to read %s version of %s: %v", stage, secretID, err)
		return FetchResult{State: Failed, Err: dserrors.Wrap(dserrors.ErrStoreAccess, secretID, err)}
	}

	if out.SecretString == nil {
		return FetchResult{
			State: Failed,
			Err:   dserrors.Wrap(dserrors.ErrMalformedCredential, secretID, fmt.Errorf("%s version has no string payload", stage)),
		}
	}

	cred, err := ParseCredential([]byte(aws.ToString(out.SecretString)))
	if err != nil {
		return FetchResult{State: Failed, Err: dserrors.Wrap(dserrors.ErrMalformedCredential, secretID, err)}
	}

	return FetchResult{
		State:      Found,
		Credential: cred,
		VersionID:  aws.ToString(out.VersionId),
	}
}

// DerivedToken returns the token used for the given zero-based write
// attempt: token, token-retry-1, token-retry-2, ...
func DerivedToken(token string, attempt int) string {
	if attempt == 0 || token == "" {
		return token
	}
	return fmt.Sprintf("%s-retry-%d", token, attempt)
}

// CreatePendingVersion writes base with newPassword as the AWSPENDING version
// under token. A token conflict is retried under the next derived token;
// any other failure is returned at once.
func (s *Store) CreatePendingVersion(ctx context.Context, secretID, token string, base Credential, newPassword string) error {
	payload, err := json.Marshal(base.WithPassword(newPassword))
	if err != nil {
		return dserrors.Wrap(dserrors.ErrMalformedCredential, secretID, err)
	}

	policy := s.policy
	policy.Logger = s.logger
	policy.IsFatal = func(err error) bool { return !IsConflict(err) }

	s.logger.Info("Creating %s version of %s", StagePending, secretID)

	attempt := 0
	err = retry.Do(ctx, policy, "create pending version", func(ctx context.Context) error {
		current := DerivedToken(token, attempt)
		attempt++

		input := &secretsmanager.PutSecretValueInput{
			SecretId:      aws.String(secretID),
			SecretString:  aws.String(string(payload)),
			VersionStages: []string{string(StagePending)},
		}
		if current != "" {
			input.ClientRequestToken = aws.String(current)
		}

		if _, err := s.client.PutSecretValue(ctx, input); err != nil {
			if IsConflict(err) {
				s.logger.Warn("Token %s already used for %s", current, secretID)
			}
			return err
		}
		s.logger.Info("Created %s version %s of %s", StagePending, current, secretID)
		return nil
	})

	switch {
	case err == nil:
		return nil
	case IsConflict(err):
		return dserrors.Wrap(dserrors.ErrPendingVersionCreationFailed, secretID, err)
	default:
		return dserrors.Wrap(dserrors.ErrStoreAccess, secretID, err)
	}
}

// PromoteCurrent writes cred as a new version labelled AWSCURRENT.
func (s *Store) PromoteCurrent(ctx context.Context, secretID string, cred Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return dserrors.Wrap(dserrors.ErrMalformedCredential, secretID, err)
	}

	out, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:      aws.String(secretID),
		SecretString:  aws.String(string(payload)),
		VersionStages: []string{string(StageCurrent)},
	})
	if err != nil {
		s.logger.Error("Failed to promote new version of %s: %v", secretID, err)
		return dserrors.Wrap(dserrors.ErrStoreAccess, secretID, err)
	}

	s.logger.Info("Promoted version %s of %s to %s", aws.ToString(out.VersionId), secretID, StageCurrent)
	return nil
}

// Description summarises a secret's rotation state.
type Description struct {
	ARN               string
	Name              string
	RotationEnabled   bool
	RotationLambdaARN string
	VersionStages     map[string][]string
}

// VersionFor returns the version ID carrying stage.
func (d Description) VersionFor(stage Stage) (string, bool) {
	for id, stages := range d.VersionStages {
		for _, s := range stages {
			if s == string(stage) {
				return id, true
			}
		}
	}
	return "", false
}

// Describe returns rotation metadata about secretID.
func (s *Store) Describe(ctx context.Context, secretID string) (Description, error) {
	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return Description{}, dserrors.Wrap(dserrors.ErrStoreAccess, secretID, err)
	}

	return Description{
		ARN:               aws.ToString(out.ARN),
		Name:              aws.ToString(out.Name),
		RotationEnabled:   aws.ToBool(out.RotationEnabled),
		RotationLambdaARN: aws.ToString(out.RotationLambdaARN),
		VersionStages:     out.VersionIdsToStages,
	}, nil
}

// IsNotFound reports whether err is a ResourceNotFoundException.
func IsNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	return hasErrorCode(err, "ResourceNotFoundException")
}

// IsConflict reports whether err is a ResourceExistsException, returned when
// a client request token is reused with a different payload.
func IsConflict(err error) bool {
	var exists *types.ResourceExistsException
	if errors.As(err, &exists) {
		return true
	}
	return hasErrorCode(err, "ResourceExistsException")
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
