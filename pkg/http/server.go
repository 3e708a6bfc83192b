// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"

	"github.com/basvanbeek/datastore-tracer/pkg"
)

const (
	flagListenAddress   = "http-listen-address"
	flagShutdownTimeout = "http-shutdown-timeout"

	defaultListenAddress   = ":8000"
	defaultShutdownTimeout = 5 * time.Second

	errTimeout pkg.Error = "expected a positive duration"
)

var (
	_ run.Config  = (*Service)(nil)
	_ run.Service = (*Service)(nil)
)

// Service implements a run.Group compatible HTTP Server.
type Service struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
	Handler         http.Handler
	Logger          *zap.Logger

	once   sync.Once
	server *http.Server
}

// init creates the http.Server once, so GracefulStop can shut it down even if
// Serve has not been reached yet.
func (s *Service) init() {
	s.once.Do(func() {
		if s.Logger == nil {
			s.Logger = zap.NewNop()
		}
		if s.ShutdownTimeout == 0 {
			s.ShutdownTimeout = defaultShutdownTimeout
		}
		s.server = &http.Server{
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
	})
}

// Name implements run.Unit.
func (s *Service) Name() string {
	return "http"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.ListenAddress == "" {
		s.ListenAddress = defaultListenAddress
	}
	s.init()
	flags := run.NewFlagSet("HTTP server options")

	flags.StringVarP(
		&s.ListenAddress,
		flagListenAddress, "a",
		s.ListenAddress,
		`HTTP server listen address, e.g. ":443" or "localhost:80"`)
	flags.DurationVar(
		&s.ShutdownTimeout,
		flagShutdownTimeout,
		s.ShutdownTimeout,
		`Time allowed for in-flight requests to finish on shutdown`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, flagListenAddress, err))
		}
	} else {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagListenAddress, pkg.ErrRequired))
	}
	if s.ShutdownTimeout <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagShutdownTimeout, errTimeout))
	}

	return mErr
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	s.init()
	l, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return err
	}
	s.server.Handler = s.Handler
	s.Logger.Info("http server listening", zap.Stringer("address", l.Addr()))
	// Serve closes l and returns ErrServerClosed once Shutdown was called,
	// also when Shutdown happened before Serve.
	if err = s.server.Serve(l); errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	s.init()
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.Logger.Warn("http server shutdown", zap.Error(err))
	}
}
