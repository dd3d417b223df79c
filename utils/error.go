package utils

import "errors"

// ErrorRecordNotFound is returned by the generic fetch helpers when the
// tenant-scoped lookup finds nothing.
var ErrorRecordNotFound = errors.New("record not found")
