package fleetdb

import "github.com/pkg/errors"

var (
	ErrFleetDBConfig  = errors.New("fleetdb configuration error")
	ErrInventoryQuery = errors.New("fleetdb query returned error")
	ErrAttrObject     = errors.New("error in fleetdb attribute object")
	ErrCredentials    = errors.New("error in fleetdb credential object")
)
