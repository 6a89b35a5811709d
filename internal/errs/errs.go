package errs

import (
	"errors"
	"fmt"
)

// Code identifies a stable trade error category. Codes are part of the API
// contract: they appear in error envelopes, run artifacts, and events.
type Code string

const (
	// Provider / metadata
	ProductDetailsUnavailable Code = "PRODUCT_DETAILS_UNAVAILABLE"
	ProductAPITimeout         Code = "PRODUCT_API_TIMEOUT"
	ProductAPIRateLimited     Code = "PRODUCT_API_RATE_LIMITED"
	ProductNotFound           Code = "PRODUCT_NOT_FOUND"

	// Balance / validation
	InsufficientBalance Code = "INSUFFICIENT_BALANCE"
	InsufficientCash    Code = "INSUFFICIENT_CASH"
	BelowMinimumSize    Code = "BELOW_MINIMUM_SIZE"
	InvalidPrecision    Code = "INVALID_PRECISION"
	ExceedsHoldings     Code = "EXCEEDS_HOLDINGS"
	FundsOnHold         Code = "FUNDS_ON_HOLD"
	QtyZero             Code = "QTY_ZERO"
	NotHeld             Code = "NOT_HELD"
	NoProduct           Code = "NO_PRODUCT"
	NotTradable         Code = "NOT_TRADABLE"
	LimitOnly           Code = "LIMIT_ONLY"

	// Order placement
	OrderRejected  Code = "ORDER_REJECTED"
	OrderTimeout   Code = "ORDER_TIMEOUT"
	BrokerAPIError Code = "BROKER_API_ERROR"

	// Execution
	ExecutionTimeout    Code = "EXECUTION_TIMEOUT"
	ExecutionFailed     Code = "EXECUTION_FAILED"
	DemoModeLiveBlocked Code = "DEMO_MODE_LIVE_BLOCKED"
	UserRejected        Code = "USER_REJECTED"

	// Config / auth
	CredentialsMissing  Code = "CREDENTIALS_MISSING"
	LiveTradingDisabled Code = "LIVE_TRADING_DISABLED"
	LiveDisabled        Code = "LIVE_DISABLED"
	DBSchemaOutdated    Code = "DB_SCHEMA_OUTDATED"
	RateLimited         Code = "RATE_LIMITED"
	RequestTooLarge     Code = "REQUEST_TOO_LARGE"

	// Generic
	ValidationError Code = "VALIDATION_ERROR"
	InternalError   Code = "INTERNAL_ERROR"
)

// TradeError carries a stable code, a human-readable message, and an optional
// remediation hint surfaced to the user.
type TradeError struct {
	Code        Code
	Message     string
	Remediation string
	Details     map[string]any
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a TradeError with the canonical remediation for the code when no
// explicit one is given.
func New(code Code, message string) *TradeError {
	return &TradeError{Code: code, Message: message, Remediation: Remediation(code)}
}

func Newf(code Code, format string, args ...any) *TradeError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRemediation overrides the canonical remediation string.
func (e *TradeError) WithRemediation(r string) *TradeError {
	e.Remediation = r
	return e
}

func (e *TradeError) WithDetail(key string, value any) *TradeError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the trade error code from an error chain, or InternalError.
func CodeOf(err error) Code {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	return InternalError
}

// AsTradeError unwraps err into a TradeError, wrapping unknown errors under
// fallback so every failure surfaced to the user carries a stable code.
func AsTradeError(err error, fallback Code) *TradeError {
	var te *TradeError
	if errors.As(err, &te) {
		return te
	}
	return New(fallback, err.Error())
}

var canonical = map[Code]struct{ message, remediation string }{
	ProductDetailsUnavailable: {
		"Unable to fetch product metadata required for order precision",
		"Check exchange API connectivity and credentials. The system retries automatically.",
	},
	ProductAPITimeout: {
		"Exchange API request timed out while fetching product details",
		"Check network connectivity. The system retries with exponential backoff.",
	},
	ProductAPIRateLimited: {
		"Rate limited by the exchange API",
		"Wait a few seconds and try again.",
	},
	ProductNotFound: {
		"Product not found on the exchange",
		"Verify the symbol is correct and supported.",
	},
	InsufficientBalance: {
		"Insufficient balance to place order",
		"Deposit funds or reduce order size.",
	},
	InsufficientCash: {
		"Not enough cash available for this buy",
		"Deposit USD or sell a holding to raise cash.",
	},
	BelowMinimumSize: {
		"Order size below exchange minimum",
		"Increase order size to meet minimum requirements.",
	},
	InvalidPrecision: {
		"Order size does not match required precision",
		"Adjust order size to match exchange precision requirements.",
	},
	OrderRejected: {
		"Order rejected by exchange",
		"Check order parameters and account status.",
	},
	OrderTimeout: {
		"Order placement timed out",
		"Check network connectivity and try again.",
	},
	BrokerAPIError: {
		"Broker API error",
		"Check broker status and API credentials.",
	},
	ExecutionTimeout: {
		"Trade execution timed out",
		"Check system status and try again.",
	},
	ExecutionFailed: {
		"Trade execution failed",
		"Check error details and system logs.",
	},
	CredentialsMissing: {
		"API credentials not configured",
		"Set COINBASE_API_KEY_NAME and COINBASE_API_PRIVATE_KEY (or _PATH).",
	},
	LiveTradingDisabled: {
		"LIVE trading is disabled",
		"Set TRADING_DISABLE_LIVE=false and ENABLE_LIVE_TRADING=true, then restart.",
	},
	LiveDisabled: {
		"LIVE trading is disabled by the kill switch",
		"Set TRADING_DISABLE_LIVE=false and restart the backend to enable LIVE trading.",
	},
	DBSchemaOutdated: {
		"Database schema is out of date",
		"Restart backend so pending migrations are applied, or run `execctl db migrate`.",
	},
	RateLimited: {
		"Too many requests",
		"Slow down and retry shortly.",
	},
	RequestTooLarge: {
		"Request body exceeds the allowed size",
		"Reduce the request payload.",
	},
	ValidationError: {
		"Order validation failed",
		"Check order parameters and try again.",
	},
	InternalError: {
		"An unexpected error occurred",
		"Check system logs for details.",
	},
}

// Remediation returns the canonical remediation text for a code ("" if none).
func Remediation(code Code) string {
	return canonical[code].remediation
}

// Message returns the canonical user-facing message for a code.
func Message(code Code) string {
	if c, ok := canonical[code]; ok {
		return c.message
	}
	return "An error occurred"
}
