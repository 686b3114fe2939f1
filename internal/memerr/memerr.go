// Package memerr defines the stable error codes of the memory core.
// Callers match with errors.Is; messages wrap with fmt.Errorf("...: %w", err).
package memerr

import "errors"

var (
	// ErrStoreNotReady is returned when an API is called before the owning
	// store finished initialization.
	ErrStoreNotReady = errors.New("STORE_NOT_READY")

	// ErrEmbeddingFailed is returned after retries are exhausted and no
	// fallback could produce a vector.
	ErrEmbeddingFailed = errors.New("EMBEDDING_FAILED")

	// ErrPersistenceFailed is returned when the vector JSON write failed.
	// The dirty flag is restored so the next trigger retries.
	ErrPersistenceFailed = errors.New("PERSISTENCE_FAILED")

	// ErrSQLTimeout is returned when a SQLite call exceeded its deadline.
	// Read paths treat it as an empty result.
	ErrSQLTimeout = errors.New("SQL_TIMEOUT")

	// ErrSQLFailed is returned for non-timeout SQLite failures.
	ErrSQLFailed = errors.New("SQL_FAILED")

	// ErrInputValidation is returned for malformed options or arguments.
	ErrInputValidation = errors.New("INPUT_VALIDATION_FAILED")

	// ErrRollbackFailed is critical: a transaction rollback could not restore
	// prior state and the store may be inconsistent.
	ErrRollbackFailed = errors.New("TRANSACTION_ROLLBACK_FAILED")

	// ErrHardLimitUnsatisfiable means the per-user cap cannot be enforced
	// because protected records alone exceed it.
	ErrHardLimitUnsatisfiable = errors.New("HARD_LIMIT_UNSATISFIABLE")

	// ErrNotFound is returned when a requested record or entity does not exist.
	ErrNotFound = errors.New("NOT_FOUND")
)
