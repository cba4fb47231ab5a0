package goble

import "errors"

var errUnsupported = errors.New("goble: no HCI device support on this platform")
