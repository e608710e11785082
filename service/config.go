package service

import (
	"net"

	"github.com/go-deet/deet/service/debugger"
)

// Config provides the configuration to start a Debugger and expose it with a
// service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Debugger is the configuration of the debugger created for each launch
	// request. Per request fields, such as the working directory, override
	// it.
	Debugger debugger.Config

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
