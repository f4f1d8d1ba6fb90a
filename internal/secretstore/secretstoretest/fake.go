// Package secretstoretest provides an in-memory Secrets Manager for tests.
package secretstoretest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

const (
	stageCurrent  = "AWSCURRENT"
	stagePrevious = "AWSPREVIOUS"
)

// Fake emulates the Secrets Manager behaviour rotation relies on: stage
// labels move between versions, a reused token with the same payload is a
// no-op and a reused token with a different payload is rejected with
// ResourceExistsException.
type Fake struct {
	mu      sync.Mutex
	secrets map[string]*secret
	nextID  int

	// GetSecretValueFunc allows custom behavior for GetSecretValue
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	// PutSecretValueFunc allows custom behavior for PutSecretValue. Returning
	// a nil output and nil error falls through to the default behaviour.
	PutSecretValueFunc func(ctx context.Context, params *secretsmanager.PutSecretValueInput) (*secretsmanager.PutSecretValueOutput, error)

	// Calls records every API call by operation name.
	Calls []string
	// PutTokens records the ClientRequestToken of each PutSecretValue call.
	PutTokens []string
}

type secret struct {
	arn             string
	rotationEnabled bool
	versions        map[string]*version
}

type version struct {
	value   string
	stages  []string
	created time.Time
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{secrets: make(map[string]*secret)}
}

// AddSecret creates secretID with value as its AWSCURRENT version and
// returns the version ID.
func (f *Fake) AddSecret(secretID, value string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &secret{
		arn:             fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", secretID),
		rotationEnabled: true,
		versions:        make(map[string]*version),
	}
	f.secrets[secretID] = s
	id := f.newVersionID()
	s.versions[id] = &version{value: value, stages: []string{stageCurrent}, created: time.Now()}
	return id
}

// SetRotationEnabled toggles the secret's rotation flag reported by DescribeSecret.
func (f *Fake) SetRotationEnabled(secretID string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[secretID]; ok {
		s.rotationEnabled = enabled
	}
}

// Value returns the payload of the version holding stage.
func (f *Fake) Value(secretID, stage string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.secrets[secretID]
	if !ok {
		return "", false
	}
	if id, ok := s.versionWithStage(stage); ok {
		return s.versions[id].value, true
	}
	return "", false
}

// VersionValue returns the payload of a specific version.
func (f *Fake) VersionValue(secretID, versionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.secrets[secretID]
	if !ok {
		return "", false
	}
	v, ok := s.versions[versionID]
	if !ok {
		return "", false
	}
	return v.value, true
}

// VersionCount returns the number of versions stored for secretID.
func (f *Fake) VersionCount(secretID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[secretID]; ok {
		return len(s.versions)
	}
	return 0
}

// CallCount returns how many calls were made to op.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// GetSecretValue mocks the GetSecretValue operation
func (f *Fake) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.record("GetSecretValue")
	if f.GetSecretValueFunc != nil {
		return f.GetSecretValueFunc(ctx, params)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	secretID := aws.ToString(params.SecretId)
	s, ok := f.secrets[secretID]
	if !ok {
		return nil, notFound("Secrets Manager can't find the specified secret: %s", secretID)
	}

	stage := aws.ToString(params.VersionStage)
	id := aws.ToString(params.VersionId)
	switch {
	case id != "":
		v, ok := s.versions[id]
		if !ok || (stage != "" && !hasStage(v.stages, stage)) {
			return nil, notFound("Secrets Manager can't find the specified secret value for VersionId: %s", id)
		}
	default:
		if stage == "" {
			stage = stageCurrent
		}
		id, ok = s.versionWithStage(stage)
		if !ok {
			return nil, notFound("Secrets Manager can't find the specified secret value for staging label: %s", stage)
		}
	}

	v := s.versions[id]
	return &secretsmanager.GetSecretValueOutput{
		ARN:           aws.String(s.arn),
		Name:          aws.String(secretID),
		SecretString:  aws.String(v.value),
		VersionId:     aws.String(id),
		VersionStages: append([]string(nil), v.stages...),
		CreatedDate:   aws.Time(v.created),
	}, nil
}

// PutSecretValue mocks the PutSecretValue operation
func (f *Fake) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.record("PutSecretValue")
	f.mu.Lock()
	f.PutTokens = append(f.PutTokens, aws.ToString(params.ClientRequestToken))
	f.mu.Unlock()

	if f.PutSecretValueFunc != nil {
		out, err := f.PutSecretValueFunc(ctx, params)
		if out != nil || err != nil {
			return out, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	secretID := aws.ToString(params.SecretId)
	s, ok := f.secrets[secretID]
	if !ok {
		return nil, notFound("Secrets Manager can't find the specified secret: %s", secretID)
	}

	value := aws.ToString(params.SecretString)
	id := aws.ToString(params.ClientRequestToken)
	if id == "" {
		id = f.newVersionID()
	}

	stages := params.VersionStages
	if len(stages) == 0 {
		stages = []string{stageCurrent}
	}

	if existing, ok := s.versions[id]; ok {
		if existing.value != value {
			return nil, &types.ResourceExistsException{
				Message: aws.String(fmt.Sprintf("You can't modify an existing version, you can only create new versions. VersionId: %s", id)),
			}
		}
		return &secretsmanager.PutSecretValueOutput{
			ARN:           aws.String(s.arn),
			Name:          aws.String(secretID),
			VersionId:     aws.String(id),
			VersionStages: append([]string(nil), existing.stages...),
		}, nil
	}

	s.versions[id] = &version{value: value, created: time.Now()}
	for _, stage := range stages {
		s.moveStage(stage, id)
	}

	return &secretsmanager.PutSecretValueOutput{
		ARN:           aws.String(s.arn),
		Name:          aws.String(secretID),
		VersionId:     aws.String(id),
		VersionStages: append([]string(nil), s.versions[id].stages...),
	}, nil
}

// DescribeSecret mocks the DescribeSecret operation
func (f *Fake) DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.record("DescribeSecret")

	f.mu.Lock()
	defer f.mu.Unlock()

	secretID := aws.ToString(params.SecretId)
	s, ok := f.secrets[secretID]
	if !ok {
		return nil, notFound("Secrets Manager can't find the specified secret: %s", secretID)
	}

	stages := make(map[string][]string, len(s.versions))
	for id, v := range s.versions {
		if len(v.stages) > 0 {
			stages[id] = append([]string(nil), v.stages...)
		}
	}

	out := &secretsmanager.DescribeSecretOutput{
		ARN:                aws.String(s.arn),
		Name:               aws.String(secretID),
		RotationEnabled:    aws.Bool(s.rotationEnabled),
		VersionIdsToStages: stages,
	}
	if s.rotationEnabled {
		out.RotationLambdaARN = aws.String("arn:aws:lambda:us-east-1:123456789012:function:rdsrotate")
	}
	return out, nil
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
}

func (f *Fake) newVersionID() string {
	f.nextID++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", f.nextID)
}

func (s *secret) versionWithStage(stage string) (string, bool) {
	for id, v := range s.versions {
		if hasStage(v.stages, stage) {
			return id, true
		}
	}
	return "", false
}

// moveStage attaches stage to id, removing it from every other version.
// Moving AWSCURRENT marks the previous holder AWSPREVIOUS.
func (s *secret) moveStage(stage, id string) {
	if prev, ok := s.versionWithStage(stage); ok && prev != id {
		s.versions[prev].stages = without(s.versions[prev].stages, stage)
		if stage == stageCurrent {
			s.moveStage(stagePrevious, prev)
		}
	}
	if !hasStage(s.versions[id].stages, stage) {
		s.versions[id].stages = append(s.versions[id].stages, stage)
	}
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

func without(stages []string, stage string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}

func notFound(format string, args ...interface{}) error {
	return &types.ResourceNotFoundException{Message: aws.String(fmt.Sprintf(format, args...))}
}
