// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity already exists (e.g. an A/B test name reused).
var ErrConflict = errors.New("conflict: resource already exists")

// ErrValidation indicates that input failed domain validation.
var ErrValidation = errors.New("validation failed")
