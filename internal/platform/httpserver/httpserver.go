package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. There is no
// write timeout: archive exports stream for as long as the store yields rows.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
