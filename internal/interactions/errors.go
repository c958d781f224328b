package interactions

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
)

var (
	// ErrInvalidReaction indicates an empty or oversized reaction or a target that is not a message.
	ErrInvalidReaction = errors.New("interactions: invalid reaction")

	errMissingDatabase = errors.New("database handle is required")
	errMissingNodes    = errors.New("node access is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IsPermanent reports whether retrying the same request can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidReaction) || nodes.IsPermanent(err)
}
