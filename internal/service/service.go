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

package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"

	"github.com/basvanbeek/datastore-tracer/internal/store"
	"github.com/basvanbeek/datastore-tracer/pkg"
	"github.com/basvanbeek/datastore-tracer/pkg/observability"
)

const (
	flagMaxValueSize = "ep-max-value-size"

	defaultMaxValueSize = 64 << 10

	errProxyService pkg.Error = "invalid or no proxy service set"
	errPercentage   pkg.Error = "expected percentage value between 0 and 100"
	errDuration     pkg.Error = "expected a zero or positive duration"
	errValueSize    pkg.Error = "expected a positive value size"
	errValueTooBig  pkg.Error = "value exceeds maximum size"
	errInternal     pkg.Error = "internal service failure occurred"
)

// Endpoints implements a run.Config compatible group of Endpoints exposing the
// datastore over HTTP. Requests are instrumented by the provided Instrumenter
// and every datastore call shows up as a segment of the request trace.
type Endpoints struct {
	// dependencies
	Instrumenter observability.Instrumenter
	Store        *store.Store
	Logger       *zap.Logger

	ServiceName  string
	MaxValueSize int64

	handler http.Handler
	tracer  observability.Tracer

	// proxy transports per upstream host
	mtx        sync.Mutex
	transports map[string]http.RoundTripper
}

var (
	_ run.Config    = (*Endpoints)(nil)
	_ run.PreRunner = (*Endpoints)(nil)
)

// Name implements run.Unit.
func (ep *Endpoints) Name() string {
	return "endpoints"
}

// FlagSet implements run.Config.
func (ep *Endpoints) FlagSet() *run.FlagSet {
	if ep.MaxValueSize == 0 {
		ep.MaxValueSize = defaultMaxValueSize
	}
	flags := run.NewFlagSet("Endpoint options")

	flags.Int64Var(&ep.MaxValueSize, flagMaxValueSize, ep.MaxValueSize,
		`Maximum size in bytes of a stored value`)

	return flags
}

// Validate implements run.Config.
func (ep *Endpoints) Validate() error {
	var mErr error

	if ep.MaxValueSize <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagMaxValueSize, errValueSize))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (ep *Endpoints) PreRun() error {
	if ep.Instrumenter == nil || ep.Instrumenter.Tracer() == nil {
		return errors.New("missing tracer to attach to")
	}
	if ep.Store == nil {
		return errors.New("missing datastore")
	}
	if ep.Logger == nil {
		ep.Logger = zap.NewNop()
	}
	if ep.MaxValueSize <= 0 {
		ep.MaxValueSize = defaultMaxValueSize
	}
	ep.transports = make(map[string]http.RoundTripper)

	router := mux.NewRouter()
	router.Methods("GET").Path("/errors/{percentage}").HandlerFunc(ep.setErrors)
	router.Methods("GET").Path("/latency/{duration}").HandlerFunc(ep.setLatency)
	router.Methods("GET").Path("/store/{collection}").HandlerFunc(ep.list)
	router.Methods("GET").Path("/store/{collection}/{key}").HandlerFunc(ep.get)
	router.Methods("PUT").Path("/store/{collection}/{key}").HandlerFunc(ep.put)
	router.Methods("DELETE").Path("/store/{collection}/{key}").HandlerFunc(ep.remove)
	router.Methods("GET").PathPrefix("/proxy/{service}").HandlerFunc(ep.proxy)
	router.Methods("GET").PathPrefix("/").HandlerFunc(ep.echoHandler)
	ep.tracer = ep.Instrumenter.Tracer()

	// the transaction middleware needs the server span, so it runs inside
	// the instrumenter middleware
	ep.handler = ep.Instrumenter.Middleware()(
		observability.TransactionMiddleware(ep.Instrumenter)(router),
	)

	return nil
}

// Handler returns an HTTP handler that can be attached to an HTTP service.
func (ep *Endpoints) Handler() http.Handler {
	return ep.handler
}

// setErrors sets the percentage of failing datastore operations.
func (ep *Endpoints) setErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	i, err := strconv.Atoi(mux.Vars(r)["percentage"])
	if err != nil || ep.Store.SetFailures(i) != nil {
		ep.writeResponse(ctx, w, response{Code: http.StatusBadRequest, Error: errPercentage})
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("datastore errors percentage set to: %d%%", i),
	})
}

// setLatency sets the latency added to datastore operations. It accepts a
// duration string or a raw number of milliseconds.
func (ep *Endpoints) setLatency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := mux.Vars(r)["duration"]
	d, err := time.ParseDuration(raw)
	if err != nil {
		var i int
		if i, err = strconv.Atoi(raw); err != nil {
			ep.writeResponse(ctx, w, response{Code: http.StatusBadRequest, Error: errDuration})
			return
		}
		d = time.Duration(i) * time.Millisecond
	}
	if err = ep.Store.SetLatency(d); err != nil {
		ep.writeResponse(ctx, w, response{Code: http.StatusBadRequest, Error: errDuration})
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("datastore latency set to: %s", d),
	})
}

func (ep *Endpoints) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := mux.Vars(r)["collection"]
	keys, err := ep.Store.List(ctx, collection)
	if err != nil {
		ep.writeStoreError(w, r, err)
		return
	}
	ep.writeResponse(ctx, w, response{Code: http.StatusOK, Collection: collection, Keys: keys})
}

func (ep *Endpoints) get(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		vars = mux.Vars(r)
	)
	value, err := ep.Store.Get(ctx, vars["collection"], vars["key"])
	if err != nil {
		ep.writeStoreError(w, r, err)
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:       http.StatusOK,
		Collection: vars["collection"],
		Key:        vars["key"],
		Value:      value,
	})
}

func (ep *Endpoints) put(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		vars = mux.Vars(r)
	)
	raw, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxValueSize+1))
	if err != nil {
		ep.writeStoreError(w, r, err)
		return
	}
	if int64(len(raw)) > ep.MaxValueSize {
		ep.writeResponse(ctx, w, response{Code: http.StatusRequestEntityTooLarge, Error: errValueTooBig})
		return
	}

	created, err := ep.Store.Put(ctx, vars["collection"], vars["key"], string(raw))
	if err != nil {
		ep.writeStoreError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	ep.writeResponse(ctx, w, response{
		Code:       code,
		Collection: vars["collection"],
		Key:        vars["key"],
		Value:      string(raw),
	})
}

func (ep *Endpoints) remove(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		vars = mux.Vars(r)
	)
	if err := ep.Store.Delete(ctx, vars["collection"], vars["key"]); err != nil {
		ep.writeStoreError(w, r, err)
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:       http.StatusOK,
		Collection: vars["collection"],
		Key:        vars["key"],
		Message:    "deleted",
	})
}
