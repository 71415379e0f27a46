package domain

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunAlreadyFinished is returned when a frozen run is finished or counted again.
	ErrRunAlreadyFinished = errors.New("ingestion run already finished")
	// ErrErrorResolved is returned when a resolved ledger entry is mutated.
	ErrErrorResolved = errors.New("processing error already resolved")
	// ErrStorageUnavailable marks timeouts and connection failures of the store.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
