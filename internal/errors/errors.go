package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Rotation error kinds. Match them with errors.Is.
var (
	ErrUnknownStep                  = errors.New("unknown rotation step")
	ErrMalformedCredential          = errors.New("malformed credential")
	ErrStoreAccess                  = errors.New("secret store access failed")
	ErrPendingVersionCreationFailed = errors.New("pending version creation failed")
	ErrMissingPendingVersion        = errors.New("pending version missing")
	ErrDatabaseMutation             = errors.New("database password change failed")
	ErrVerification                 = errors.New("credential verification failed")
)

// RotationError annotates a failure with the secret and step it belongs to.
// errors.Is matches Kind; Unwrap exposes the underlying cause.
type RotationError struct {
	Kind     error
	SecretID string
	Step     string
	Err      error
}

func (e *RotationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Step != "" {
		fmt.Fprintf(&b, " during %s", e.Step)
	}
	if e.SecretID != "" {
		fmt.Fprintf(&b, " for secret %s", e.SecretID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

func (e *RotationError) Is(target error) bool {
	return e.Kind == target
}

// Wrap attaches kind to err. A nil err yields an error that only carries kind.
func Wrap(kind error, secretID string, err error) error {
	return &RotationError{Kind: kind, SecretID: secretID, Err: err}
}

// Annotate fills in the secret and step of a RotationError where they are
// still empty.
func Annotate(err error, secretID, step string) error {
	var re *RotationError
	if errors.As(err, &re) {
		if re.SecretID == "" {
			re.SecretID = secretID
		}
		if re.Step == "" {
			re.Step = step
		}
	}
	return err
}

// Kind reports which rotation kind err carries, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrUnknownStep,
		ErrMalformedCredential,
		ErrPendingVersionCreationFailed,
		ErrMissingPendingVersion,
		ErrDatabaseMutation,
		ErrVerification,
		ErrStoreAccess,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// Suggestion returns a hint for common AWS and database failures, or "".
func Suggestion(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "AccessDenied"):
		return "Check IAM permissions for secretsmanager:GetSecretValue and secretsmanager:PutSecretValue"
	case strings.Contains(errStr, "ResourceNotFoundException"):
		return "Verify the secret ARN and region"
	case strings.Contains(errStr, "ThrottlingException"):
		return "AWS rate limit exceeded. Wait a moment and try again"
	case strings.Contains(errStr, "Error 1045"), strings.Contains(errStr, "password authentication failed"):
		return "The database rejected the credential. Check that AWSCURRENT matches the live password"
	case strings.Contains(errStr, "timeout"):
		return "The operation timed out. Check network reachability of the database and the Secrets Manager endpoint"
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "Unable to connect. Check the host and port stored in the secret"
	}
	return ""
}
