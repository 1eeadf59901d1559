package domain

import "errors"

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrConnectionClosed = errors.New("connection closed")
	ErrUnknownClass     = errors.New("unknown connection class")
	ErrPoolTimeout      = errors.New("relay pool acquire timed out")
	ErrSlowClient       = errors.New("client send buffer full")
)
