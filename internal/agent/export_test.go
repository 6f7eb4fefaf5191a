package agent

import "net/http"

// HTTPServer returns the HTTP server for testing purposes.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Addr returns the address the HTTP server is configured to listen on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
