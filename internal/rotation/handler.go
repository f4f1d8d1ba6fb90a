// Package rotation drives a database credential through the four-step
// Secrets Manager rotation state machine.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/logging"
	"github.com/systmms/rdsrotate/internal/metrics"
	"github.com/systmms/rdsrotate/internal/password"
	"github.com/systmms/rdsrotate/internal/retry"
	"github.com/systmms/rdsrotate/internal/secretstore"
)

// Step names as sent by Secrets Manager.
const (
	StepCreate = "createSecret"
	StepSet    = "setSecret"
	StepTest   = "testSecret"
	StepFinish = "finishSecret"
)

// Steps lists the steps in the order a rotation runs them.
var Steps = []string{StepCreate, StepSet, StepTest, StepFinish}

// Event is the rotation invocation payload.
type Event struct {
	SecretID           string `json:"SecretId"`
	ClientRequestToken string `json:"ClientRequestToken"`
	Step               string `json:"Step"`
}

// SecretStore reads and writes credential versions.
type SecretStore interface {
	Fetch(ctx context.Context, secretID string, stage secretstore.Stage, token string) secretstore.FetchResult
	CreatePendingVersion(ctx context.Context, secretID, token string, base secretstore.Credential, newPassword string) error
	PromoteCurrent(ctx context.Context, secretID string, cred secretstore.Credential) error
}

// Database changes and checks the live password.
type Database interface {
	ApplyPassword(ctx context.Context, current, next secretstore.Credential) error
	VerifyConnection(ctx context.Context, cred secretstore.Credential) error
}

// Handler runs rotation steps. It holds no state between invocations.
type Handler struct {
	store    SecretStore
	db       Database
	generate func() (string, error)
	policy   retry.Policy
	metrics  *metrics.Recorder
	logger   *logging.Logger
	clock    clock.Clock
}

// Option configures a Handler.
type Option func(*Handler)

// WithPasswordGenerator replaces password.Generate.
func WithPasswordGenerator(generate func() (string, error)) Option {
	return func(h *Handler) {
		h.generate = generate
	}
}

// WithRetryPolicy sets the policy for database calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(h *Handler) {
		h.policy = p
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithClock sets the clock used to time steps.
func WithClock(clk clock.Clock) Option {
	return func(h *Handler) {
		h.clock = clk
	}
}

// NewHandler creates a Handler over store and db.
func NewHandler(store SecretStore, db Database, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		db:       db,
		generate: password.Generate,
		policy: retry.Policy{
			Attempts: config.DefaultMaxRetries,
			Delay:    config.DefaultRetryDelay,
		},
		logger: logging.Discard(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch runs the handler for ev.Step and returns its completion message.
// An unrecognised step fails before the store or database is touched.
func (h *Handler) Dispatch(ctx context.Context, ev Event) (string, error) {
	var run func(context.Context, Event) error
	switch ev.Step {
	case StepCreate:
		run = h.createSecret
	case StepSet:
		run = h.setSecret
	case StepTest:
		run = h.testSecret
	case StepFinish:
		run = h.finishSecret
	default:
		err := dserrors.Wrap(dserrors.ErrUnknownStep, ev.SecretID, fmt.Errorf("step %q", ev.Step))
		h.logger.Error("Rotation failed for %s: %v", ev.SecretID, err)
		h.metrics.ObserveStep("unknown", err, 0)
		h.pushMetrics(ctx)
		return "", err
	}

	h.logger.Info("Starting %s for %s", ev.Step, ev.SecretID)
	start := h.clock.Now()
	err := run(ctx, ev)
	h.metrics.ObserveStep(ev.Step, err, h.clock.Now().Sub(start))
	h.pushMetrics(ctx)

	if err != nil {
		dserrors.Annotate(err, ev.SecretID, ev.Step)
		h.logger.Error("Rotation step %s failed for %s: %v", ev.Step, ev.SecretID, err)
		if hint := dserrors.Suggestion(err); hint != "" {
			h.logger.Info("Hint: %s", hint)
		}
		return "", err
	}

	msg := fmt.Sprintf("rotation step %s completed", ev.Step)
	h.logger.Info("%s for %s", msg, ev.SecretID)
	return msg, nil
}

// Rotate runs all four steps in order under token, stopping at the first
// failure.
func (h *Handler) Rotate(ctx context.Context, secretID, token string) error {
	for _, step := range Steps {
		if _, err := h.Dispatch(ctx, Event{SecretID: secretID, ClientRequestToken: token, Step: step}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) createSecret(ctx context.Context, ev Event) error {
	current, err := h.fetchCurrent(ctx, ev.SecretID)
	if err != nil {
		return err
	}

	// A replay under the same token keeps the version already written.
	existing := h.store.Fetch(ctx, ev.SecretID, secretstore.StagePending, ev.ClientRequestToken)
	switch existing.State {
	case secretstore.Found:
		h.logger.Info("Pending version %s already exists for %s", ev.ClientRequestToken, ev.SecretID)
		return nil
	case secretstore.Failed:
		return existing.Err
	}

	newPassword, err := h.generate()
	if err != nil {
		return fmt.Errorf("failed to generate password: %w", err)
	}

	return h.store.CreatePendingVersion(ctx, ev.SecretID, ev.ClientRequestToken, current, newPassword)
}

func (h *Handler) setSecret(ctx context.Context, ev Event) error {
	current, err := h.fetchCurrent(ctx, ev.SecretID)
	if err != nil {
		return err
	}
	pending, err := h.fetchPending(ctx, ev.SecretID, ev.ClientRequestToken)
	if err != nil {
		return err
	}

	// The database stops accepting AWSCURRENT once an earlier invocation has
	// applied the pending password, so check for that first.
	if err := h.db.VerifyConnection(ctx, pending); err == nil {
		h.logger.Info("Pending password for %s is already set", ev.SecretID)
		return nil
	}

	return retry.Do(ctx, h.retryPolicy("set password"), "set password", func(ctx context.Context) error {
		return h.db.ApplyPassword(ctx, current, pending)
	})
}

func (h *Handler) testSecret(ctx context.Context, ev Event) error {
	pending, err := h.fetchPending(ctx, ev.SecretID, ev.ClientRequestToken)
	if err != nil {
		return err
	}
	return h.verify(ctx, pending)
}

func (h *Handler) finishSecret(ctx context.Context, ev Event) error {
	pending, err := h.fetchPending(ctx, ev.SecretID, ev.ClientRequestToken)
	if err != nil {
		return err
	}
	if err := h.verify(ctx, pending); err != nil {
		return err
	}

	current, err := h.fetchCurrent(ctx, ev.SecretID)
	if err != nil {
		return err
	}
	return h.store.PromoteCurrent(ctx, ev.SecretID, current.WithPassword(pending.Password))
}

func (h *Handler) verify(ctx context.Context, cred secretstore.Credential) error {
	return retry.Do(ctx, h.retryPolicy("verify connection"), "verify connection", func(ctx context.Context) error {
		return h.db.VerifyConnection(ctx, cred)
	})
}

func (h *Handler) fetchCurrent(ctx context.Context, secretID string) (secretstore.Credential, error) {
	res := h.store.Fetch(ctx, secretID, secretstore.StageCurrent, "")
	switch res.State {
	case secretstore.Found:
		return res.Credential, nil
	case secretstore.Failed:
		return secretstore.Credential{}, res.Err
	}
	return secretstore.Credential{}, dserrors.Wrap(dserrors.ErrStoreAccess, secretID,
		fmt.Errorf("no %s version", secretstore.StageCurrent))
}

func (h *Handler) fetchPending(ctx context.Context, secretID, token string) (secretstore.Credential, error) {
	res := h.store.Fetch(ctx, secretID, secretstore.StagePending, token)
	switch res.State {
	case secretstore.Found:
		return res.Credential, nil
	case secretstore.Failed:
		return secretstore.Credential{}, res.Err
	}
	return secretstore.Credential{}, dserrors.Wrap(dserrors.ErrMissingPendingVersion, secretID,
		fmt.Errorf("no %s version for token %q", secretstore.StagePending, token))
}

func (h *Handler) retryPolicy(name string) retry.Policy {
	p := h.policy
	p.Logger = h.logger
	p.OnRetry = func(int, error) { h.metrics.ObserveRetry(name) }
	return p
}

func (h *Handler) pushMetrics(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.metrics.Push(ctx); err != nil {
		h.logger.Warn("%v", err)
	}
}
