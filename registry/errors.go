package registry

import "errors"

var (
	ErrRoomExists        = errors.New("room code already in use")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomLocked        = errors.New("room is locked")
	ErrPasswordMismatch  = errors.New("wrong room password")
	ErrUsernameTaken     = errors.New("username already in use")
	ErrDuplicateEndpoint = errors.New("another member is connected from the same address")
	ErrBadCode           = errors.New("malformed room code")
)
