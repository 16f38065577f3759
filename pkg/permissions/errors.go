package permissions

import "errors"

var (
	ErrUnknownModule     = errors.New("unknown module")
	ErrUnknownAction     = errors.New("unknown action")
	ErrUnknownRole       = errors.New("unknown role")
	ErrInvalidPermission = errors.New("invalid permission")
)
