package metastore

import (
	"errors"
	"fmt"
)

// ErrInvalidPropertyType is returned when a property payload declares a type
// outside the supported set.
var ErrInvalidPropertyType = errors.New("metastore: invalid property type")

// RepositoryError wraps database failures with the operation that hit them.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("metastore: %s failed: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func repoErr(op string, err error) error {
	return &RepositoryError{Op: op, Err: err}
}
