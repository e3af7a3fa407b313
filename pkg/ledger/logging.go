package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	Counterparts  []AccountID
	Amount        AmountCents
	Category      Category
	CorrelationID CorrelationID
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithConflictRetries overrides how many times a transient store conflict is retried.
func WithConflictRetries(retries int) ServiceOption {
	return func(service *Service) {
		if retries >= 0 {
			service.conflictRetries = retries
		}
	}
}
