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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"
	"go.uber.org/zap"

	"github.com/basvanbeek/datastore-tracer/internal/service"
	"github.com/basvanbeek/datastore-tracer/internal/store"
	pkghttp "github.com/basvanbeek/datastore-tracer/pkg/http"
	pkgobs "github.com/basvanbeek/datastore-tracer/pkg/observability"
	pkgotel "github.com/basvanbeek/datastore-tracer/pkg/observability/otel"
	pkgskywalking "github.com/basvanbeek/datastore-tracer/pkg/observability/skywalking"
	pkgzipkin "github.com/basvanbeek/datastore-tracer/pkg/observability/zipkin"
)

const (
	defaultServiceName       = "datastoresvc"
	defaultHTTPListenAddress = ":8000"

	defaultZipkinAddress        = "http://zipkin.istio-system.svc.cluster.local:9411/api/v2/spans"
	defaultSkywalkingOAPAddress = "oap.default.svc.cluster.local:11800"
	defaultSampleRate           = 1.0
	defaultSingleHostSpans      = true
)

func main() {
	// we take the serviceName from an environment variable as we need
	// this information to be available prior to run.Group bootstrap.
	serviceName := os.Getenv("SVCNAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	serviceInstanceName := os.Getenv("HOSTNAME")
	if serviceInstanceName == "" {
		serviceInstanceName = serviceName
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("%s exit: unable to create logger: %v\n", serviceName, err)
		os.Exit(-1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", serviceName))

	g := run.Group{
		Name:     serviceName,
		HelpText: "HTTP key/value service reporting its datastore calls as APM segments",
	}

	svcObs := &pkgobs.Service{
		ObservabilityInstrumenter: pkgobs.ZipkinInstrumenter,
		Instrumenters: []pkgobs.InstrumenterService{
			&pkgzipkin.Service{
				Servicename:     serviceName,
				Address:         defaultZipkinAddress,
				SampleRate:      defaultSampleRate,
				SingleHostSpans: defaultSingleHostSpans,
			},
			&pkgskywalking.Service{
				Servicename:         serviceName,
				ServiceInstanceName: serviceInstanceName,
				Address:             defaultSkywalkingOAPAddress,
				SampleRate:          defaultSampleRate,
			},
			&pkgotel.Service{
				Servicename: serviceName,
				Address:     defaultZipkinAddress,
				SampleRate:  defaultSampleRate,
			},
		},
	}

	svcStore := &store.Store{
		Logger: logger.Named("store"),
	}
	svcEndpoints := &service.Endpoints{
		ServiceName:  serviceName,
		Instrumenter: svcObs,
		Store:        svcStore,
		Logger:       logger.Named("endpoints"),
	}
	svcHTTP := &pkghttp.Service{
		ListenAddress: defaultHTTPListenAddress,
		Logger:        logger.Named("http"),
	}
	g.Register(
		new(signal.Handler),
		svcObs,
		svcStore,
		svcEndpoints,
		svcHTTP,
		run.NewPreRunner(serviceName, func() error {
			svcHTTP.Handler = svcEndpoints.Handler()
			return nil
		}),
	)

	if err := g.Run(); err != nil {
		logger.Error("exit", zap.Error(err))
		if !errors.Is(err, run.ErrRequestedShutdown) {
			// We had an actual fatal error.
			_ = logger.Sync()
			os.Exit(-1)
		}
	}
}
