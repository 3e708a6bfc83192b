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
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/basvanbeek/datastore-tracer/internal/store"
	"github.com/basvanbeek/datastore-tracer/pkg"
)

type response struct {
	Service    string      `json:"service"`
	Code       int         `json:"statusCode"`
	TraceID    string      `json:"traceID"`
	Message    string      `json:"message,omitempty"`
	Error      pkg.Error   `json:"error,omitempty"`
	Collection string      `json:"collection,omitempty"`
	Key        string      `json:"key,omitempty"`
	Value      string      `json:"value,omitempty"`
	Keys       []string    `json:"keys,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
}

func (ep *Endpoints) writeResponse(ctx context.Context, w http.ResponseWriter, res response) {
	res.Service = ep.ServiceName
	res.TraceID = ep.traceID(ctx)
	w.Header().Set("Content-Type", "application/json")
	if res.Code > 0 {
		w.WriteHeader(res.Code)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		ep.Logger.Warn("writing http response", zap.Error(err))
	}
}

// writeStoreError maps datastore errors onto HTTP responses.
func (ep *Endpoints) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case pkg.HasError(err, store.ErrNotFound):
		ep.writeResponse(ctx, w, response{Code: http.StatusNotFound, Error: store.ErrNotFound})
	case pkg.HasError(err, store.ErrInjected):
		ep.writeResponse(ctx, w, response{Code: http.StatusServiceUnavailable, Error: store.ErrInjected})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ep.writeResponse(ctx, w, response{Code: http.StatusGatewayTimeout, Error: pkg.Error(err.Error())})
	default:
		ep.Logger.Error("datastore failure",
			zap.String("path", r.URL.Path),
			zap.String("traceID", ep.traceID(ctx)),
			zap.Error(err))
		ep.writeResponse(ctx, w, response{Code: http.StatusInternalServerError, Error: errInternal})
	}
}

func (ep *Endpoints) traceID(ctx context.Context) string {
	return ep.Instrumenter.SpanFromContext(ctx).TraceID()
}
