package nodes

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

var (
	// ErrNodeNotFound indicates that the target node does not exist.
	ErrNodeNotFound = errors.New("nodes: node not found")
	// ErrNodeExists indicates that a create targeted an id already in use by another transaction.
	ErrNodeExists = errors.New("nodes: node already exists")
	// ErrNodeDeleted indicates that the node was deleted and accepts no further transactions.
	ErrNodeDeleted = errors.New("nodes: node deleted")
	// ErrUnauthorized indicates that the caller's role does not permit the operation.
	ErrUnauthorized = errors.New("nodes: unauthorized")
	// ErrInvalidAttributes indicates that attributes failed schema validation.
	ErrInvalidAttributes = errors.New("nodes: invalid attributes")
	// ErrWorkspaceMismatch indicates that a request names a different workspace than the node.
	ErrWorkspaceMismatch = errors.New("nodes: workspace mismatch")
	// ErrTransformDeclined indicates that the update transform refused to produce new attributes.
	ErrTransformDeclined = errors.New("nodes: transform declined")
	// ErrConcurrentUpdate indicates that the CAS predicate matched no rows.
	ErrConcurrentUpdate = errors.New("nodes: concurrent update")
	// ErrRetriesExhausted indicates that every CAS attempt lost the race.
	ErrRetriesExhausted = errors.New("nodes: update retries exhausted")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsPermanent reports whether retrying the same request can never succeed.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrNodeExists),
		errors.Is(err, ErrNodeDeleted),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidAttributes),
		errors.Is(err, ErrWorkspaceMismatch),
		errors.Is(err, ErrTransformDeclined),
		errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, schema.ErrInvalidAttributes),
		errors.Is(err, schema.ErrInvalidParent),
		errors.Is(err, schema.ErrUnknownNodeType),
		errors.Is(err, documents.ErrInvalidFragment):
		return true
	default:
		return false
	}
}
