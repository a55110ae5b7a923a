package flog

import (
	"github.com/pkg/errors"
)

var (
	ErrNotMounted   = errors.New("flogfs: not mounted")
	ErrMounted      = errors.New("flogfs: already mounted")
	ErrNotFound     = errors.New("flogfs: file not found")
	ErrNoSpace      = errors.New("flogfs: out of space")
	ErrCorrupt      = errors.New("flogfs: corrupt filesystem")
	ErrBusy         = errors.New("flogfs: file is open")
	ErrNameTooLong  = errors.New("flogfs: filename too long")
	ErrNotSupported = errors.New("flogfs: operation not supported")
)
