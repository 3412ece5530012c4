package modcore

import (
	"fmt"
	"os"

	"github.com/GoCodeAlone/modcore/eventbus"
)

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets the server logger. The bus, controller and module hosts
// derive their loggers from it.
func WithLogger(logger Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("%w: logger", ErrServiceNil)
		}
		s.logger = logger
		return nil
	}
}

// WithService publishes a server-owned service that modules can fetch with
// Host.GetService, such as shared clients or the config snapshot.
func WithService(name string, service any) Option {
	return func(s *Server) error {
		if service == nil {
			return fmt.Errorf("%w: %s", ErrServiceNil, name)
		}
		s.provided = append(s.provided, providedService{name: name, service: service})
		return nil
	}
}

// WithEventBusOptions appends options used when building the event bus.
func WithEventBusOptions(opts ...eventbus.Option) Option {
	return func(s *Server) error {
		s.busOpts = append(s.busOpts, opts...)
		return nil
	}
}

// WithSignals replaces the signals Run treats as a shutdown request.
func WithSignals(signals ...os.Signal) Option {
	return func(s *Server) error {
		s.signals = signals
		return nil
	}
}
