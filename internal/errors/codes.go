// Package errors provides structured error handling for docfold.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store errors (SQLite, disk)
//   - 3XX: Network / dependency errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category classifies an error for retry decisions.
type Category string

const (
	CategoryNetwork               Category = "NETWORK"
	CategoryTimeout               Category = "TIMEOUT"
	CategoryRateLimit             Category = "RATE_LIMIT"
	CategoryServer5xx             Category = "SERVER_5XX"
	CategoryValidation            Category = "VALIDATION"
	CategoryAuth                  Category = "AUTH"
	CategoryNotFound              Category = "NOT_FOUND"
	CategoryDBConstraint          Category = "DB_CONSTRAINT"
	CategoryDBBusy                Category = "DB_BUSY"
	CategoryDependencyUnavailable Category = "DEPENDENCY_UNAVAILABLE"
	CategoryUnknown               Category = "UNKNOWN"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeStoreCorrupt    = "ERR_201_STORE_CORRUPT"
	ErrCodeStoreBusy       = "ERR_202_STORE_BUSY"
	ErrCodeStoreConstraint = "ERR_203_STORE_CONSTRAINT"
	ErrCodeStoreLocked     = "ERR_204_STORE_LOCKED"

	// Network / dependency errors (300-399)
	ErrCodeNetworkTimeout        = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable    = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeRateLimited           = "ERR_303_RATE_LIMITED"
	ErrCodeDependencyServer      = "ERR_304_DEPENDENCY_5XX"
	ErrCodeDependencyUnavailable = "ERR_305_DEPENDENCY_UNAVAILABLE"
	ErrCodeDependencyRejected    = "ERR_306_DEPENDENCY_4XX"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeNotFound          = "ERR_404_NOT_FOUND"
	ErrCodeUnauthorized      = "ERR_405_UNAUTHORIZED"
	ErrCodeConflict          = "ERR_406_CONFLICT"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeSyncFailed      = "ERR_505_SYNC_FAILED"
)

// categoryFromCode maps an error code to its retry category.
func categoryFromCode(code string) Category {
	switch code {
	case ErrCodeNetworkTimeout:
		return CategoryTimeout
	case ErrCodeNetworkUnavailable:
		return CategoryNetwork
	case ErrCodeRateLimited:
		return CategoryRateLimit
	case ErrCodeDependencyServer:
		return CategoryServer5xx
	case ErrCodeDependencyUnavailable:
		return CategoryDependencyUnavailable
	case ErrCodeStoreBusy, ErrCodeStoreLocked:
		return CategoryDBBusy
	case ErrCodeStoreConstraint, ErrCodeConflict:
		return CategoryDBConstraint
	case ErrCodeInvalidInput, ErrCodeQueryEmpty, ErrCodeDimensionMismatch,
		ErrCodeConfigInvalid, ErrCodeChunkingFailed:
		return CategoryValidation
	case ErrCodeUnauthorized:
		return CategoryAuth
	case ErrCodeNotFound, ErrCodeConfigNotFound:
		return CategoryNotFound
	default:
		return CategoryUnknown
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt:
		return SeverityFatal
	}
	if IsTemporary(categoryFromCode(code)) {
		return SeverityWarning
	}
	return SeverityError
}
