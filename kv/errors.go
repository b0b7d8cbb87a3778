package kv

import "errors"

var (
	ErrNotFound   = errors.New("kv: key not found")
	ErrInvalidKey = errors.New("kv: invalid key")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
