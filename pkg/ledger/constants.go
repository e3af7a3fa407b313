package ledger

const (
	operationOpenAccount = "open_account"
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationTransfer    = "transfer"
	operationRecharge    = "recharge"
	operationPayout      = "payout"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectTransfer  = "transfer"
	errorSubjectAccount   = "account"
	errorSubjectLedger    = "ledger"
	errorCodeZeroSum      = "zero_sum"
	errorCodeReconcile    = "reconcile"
	errorCodeRoleMismatch = "role_mismatch"

	correlationPrefixRecharge = "recharge:"
	correlationPrefixPayout   = "payout:"
	correlationPrefixManual   = "manual:"
)
