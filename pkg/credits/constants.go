package credits

import "time"

const (
	operationPreDeduct = "pre_deduct"
	operationAdjust    = "adjust"
	operationRefund    = "refund"
	operationDeduct    = "deduct"
	operationAdd       = "add"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Transient storage conflicts are retried with a bounded budget: the
	// multi-step reservation transaction touches two stores and gets the
	// larger budget.
	retryBudgetDirect      = 3
	retryBudgetReservation = 10
	retryBackoff           = 5 * time.Millisecond
)
