package driver

import "github.com/pkg/errors"

var (
	ErrRegistration    = errors.New("invalid driver registration")
	ErrDuplicateDriver = errors.New("driver name already registered")
)
