package server

// Server exposes a FileService over a Communicator.
type Server interface {
	Start() error
	Stop() error
}
