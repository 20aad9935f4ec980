package ingest

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSelf       = errors.New("account address is required")
	errMissingDataDir    = errors.New("data directory is required")
	errRegistryClosed    = errors.New("registry is closed")

	// ErrInvalidMessage indicates a message whose sender cannot be identified.
	ErrInvalidMessage = errors.New("ingest: invalid message")
	// ErrInvalidTarget indicates a TargetRequest naming neither or both of a group and a peer.
	ErrInvalidTarget = errors.New("ingest: target request must name exactly one of group or peer")
)

const (
	opServiceNew     = "ingest.service.new"
	opProcess        = "ingest.process"
	opSelectTargets  = "ingest.select_targets"
	opCreateGroup    = "ingest.create_group"
	opRecordChange   = "ingest.record_change"
	opListMembers    = "ingest.list_members"
	opMarkVerified   = "ingest.mark_verified"
	opListKeys       = "ingest.list_keys"
	opListHistory    = "ingest.list_history"
	opRegistryOpen   = "ingest.registry.open"
	opRegistryCreate = "ingest.registry.new"
)

// ServiceError carries an operation.reason code. Retryable errors are persistence failures
// after which the whole message may be processed again.
type ServiceError struct {
	code      string
	reason    string
	err       error
	retryable bool
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// Reason is the trailing segment of Code.
func (e *ServiceError) Reason() string {
	return e.reason
}

func (e *ServiceError) Retryable() bool {
	return e.retryable
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, reason: reason, err: cause}
}

func newRetryableError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, reason: reason, err: cause, retryable: true}
}

// IsRetryable reports whether err is a ServiceError marked retryable.
func IsRetryable(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr) && serviceErr.Retryable()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("account", s.self.String()),
		zap.Error(err),
	}, fields...)
	s.logger.Error("ingest operation failed", allFields...)
}
