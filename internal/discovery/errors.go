package discovery

import "errors"

var (
	errTimeout       = errors.New("discovery: node info timed out")
	errShortNodeInfo = errors.New("discovery: node info payload too short")
)
