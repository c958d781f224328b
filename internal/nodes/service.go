package nodes

import (
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew             = "nodes.service.new"
	opCreateNode             = "nodes.create_node"
	opUpdateNode             = "nodes.update_node"
	opApplyCreateTransaction = "nodes.apply_create_transaction"
	opApplyUpdateTransaction = "nodes.apply_update_transaction"
	opApplyDeleteTransaction = "nodes.apply_delete_transaction"
	opListTransactions       = "nodes.list_transactions"
	opListCollaborations     = "nodes.list_collaborations"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidInput      = "invalid_input"
	reasonIDGeneration      = "id_generation_failed"
	reasonTransactionLookup = "transaction_lookup_failed"
	reasonPersistFailed     = "persist_failed"
	reasonCasConflict       = "cas_conflict"
	reasonRetriesExhausted  = "retries_exhausted"
	reasonQueryFailed       = "query_failed"

	fieldNodeID        = "node_id"
	fieldTransactionID = "transaction_id"
	fieldWorkspaceID   = "workspace_id"
	fieldUserID        = "user_id"
	fieldAttempt       = "attempt"

	maxUpdateAttempts = 10
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the node synchronization service.
type ServiceConfig struct {
	Database   *gorm.DB
	Registry   *schema.Registry
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  events.Publisher
	Logger     *zap.Logger
}

// Service applies node transactions under optimistic concurrency control and keeps the
// collaboration and closure tables consistent with them.
type Service struct {
	db         *gorm.DB
	registry   *schema.Registry
	clock      func() time.Time
	idProvider IDProvider
	publisher  events.Publisher
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = schema.DefaultRegistry()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		registry:   registry,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  publisher,
		logger:     logger,
	}, nil
}

// Registry exposes the node type registry used for validation.
func (s *Service) Registry() *schema.Registry {
	return s.registry
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) publish(pending []events.Event) {
	occurredAt := s.now()
	for _, event := range pending {
		if event.OccurredAt.IsZero() {
			event.OccurredAt = occurredAt
		}
		s.publisher.Publish(event)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("nodes service error", attrs...)
}

// fail logs infrastructure failures and wraps every failure in a ServiceError.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if !IsPermanent(err) {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}
