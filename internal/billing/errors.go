package billing

import "errors"

var (
	ErrInvalidEngineConfig = errors.New("invalid billing engine config")
	ErrInvalidPlan         = errors.New("invalid billing plan")
	ErrInvalidCommission   = errors.New("invalid commission")
	ErrAlreadyMetering     = errors.New("session already metered")
	ErrFirstTickFailed     = errors.New("first tick failed")
	ErrEngineClosed        = errors.New("billing engine closed")
)
