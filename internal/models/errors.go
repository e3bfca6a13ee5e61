// Package models defines the error taxonomy shared by the retrieval and completion packages.
package models

import "errors"

var (
	// ErrArgumentMismatch indicates malformed caller input, such as metadata
	// whose length differs from the texts it describes.
	ErrArgumentMismatch = errors.New("argument mismatch")

	// ErrModelUnavailable indicates the embedding model could not be loaded.
	// It is returned only at construction time.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrIndexCorrupt indicates a persisted index snapshot is missing a
	// component or its components disagree. The index starts empty instead.
	ErrIndexCorrupt = errors.New("index snapshot corrupt")

	// ErrPersistence indicates the index snapshot could not be written.
	// The mutation that triggered the write is not applied.
	ErrPersistence = errors.New("index persistence failed")

	// ErrTransientProvider indicates a rate limit, server error, timeout or
	// transport failure from the completion provider. Retried with backoff.
	ErrTransientProvider = errors.New("completion provider temporarily unavailable")

	// ErrPermanentProvider indicates an authentication failure or a rejected
	// request. Never retried.
	ErrPermanentProvider = errors.New("completion provider rejected request")
)
