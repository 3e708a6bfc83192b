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
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// proxy strips the first /proxy/service directive from the path and reverse
// proxies the remaining path to the targeted service, so requests can hop
// from service to service while carrying the trace along.
//
// Example path: /proxy/svcb/proxy/svcc/store/users/alice
// This path hops to svcb, then svcc, where the datastore read takes place.
func (ep *Endpoints) proxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := mux.Vars(r)["service"]
	if host == "" {
		ep.writeResponse(ctx, w, response{Code: http.StatusBadRequest, Error: errProxyService})
		return
	}

	target, err := url.Parse("http://" + host)
	if err != nil {
		ep.writeResponse(ctx, w, response{Code: http.StatusBadRequest, Error: errProxyService})
		return
	}
	transport, err := ep.transport(host)
	if err != nil {
		ep.Logger.Error("instrumenting proxy transport", zap.String("service", host), zap.Error(err))
		ep.writeResponse(ctx, w, response{Code: http.StatusInternalServerError, Error: errInternal})
		return
	}

	span := ep.tracer.StartSpanFromContext(ctx, "proxy")
	defer span.Finish()
	span.Tag("proxy.service", host)

	r = r.Clone(span.Context())
	r.Host = host
	r.Header.Add("Proxied-By", ep.ServiceName)
	r.URL.Path = strings.TrimPrefix(r.URL.Path, "/proxy/"+host)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}

	p := httputil.NewSingleHostReverseProxy(target)
	p.Transport = transport
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		ep.Logger.Warn("proxy hop failed", zap.String("service", host), zap.Error(err))
		span.Tag("error", err.Error())
		ep.writeResponse(r.Context(), w, response{Code: http.StatusBadGateway, Error: errInternal})
	}
	p.ServeHTTP(w, r)
}

// transport returns the instrumented transport for host, creating it on
// first use.
func (ep *Endpoints) transport(host string) (http.RoundTripper, error) {
	ep.mtx.Lock()
	defer ep.mtx.Unlock()

	if t, ok := ep.transports[host]; ok {
		return t, nil
	}
	t, err := ep.Instrumenter.Transport(http.DefaultTransport)
	if err != nil {
		return nil, err
	}
	ep.transports[host] = t
	return t, nil
}

// echoHandler returns the received request headers.
func (ep *Endpoints) echoHandler(w http.ResponseWriter, r *http.Request) {
	ep.writeResponse(r.Context(), w, response{
		Code:    http.StatusOK,
		Headers: r.Header,
	})
}
