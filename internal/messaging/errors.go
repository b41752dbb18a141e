package messaging

import "github.com/m-mizutani/goerr/v2"

// ErrBusClosed is returned by Send after Close.
var ErrBusClosed = goerr.New("message bus closed")
