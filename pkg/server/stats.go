// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/chanrelay/pkg/relay"
)

// StatsPath is where NewStatsHandler serves stats.
const StatsPath = "/stats"

// NewStatsHandler serves the registry's stats as JSON.
// It is meant for a separate, private listener.
func NewStatsHandler(reg *relay.Registry, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(StatsPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reg.Stats()); err != nil {
			log.WithError(err).Warn("Cannot write stats")
		}
	})
	return r
}

// NewStatsServer creates an HTTP server for NewStatsHandler.
func NewStatsServer(reg *relay.Registry, log logrus.FieldLogger) *http.Server {
	return &http.Server{
		Handler:           NewStatsHandler(reg, log),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}
