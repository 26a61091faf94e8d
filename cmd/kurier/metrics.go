/*
Kurier - composable mail transfer agent library.
Copyright © 2020-2024 The Kurier authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kurier-mta/kurier/framework/log"
)

// metricsServer exposes the Prometheus registry over HTTP.
type metricsServer struct {
	srv http.Server
	wg  sync.WaitGroup
}

func serveMetrics(addr string, logger log.Logger) (*metricsServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m := metricsServer{}
	m.srv.Handler = mux
	m.srv.ErrorLog = stdlog.New(logger, "", 0)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		logger.Msg("listening", "addr", l.Addr())
		if err := m.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", err)
		}
	}()
	return &m, nil
}

func (m *metricsServer) Close() {
	m.srv.Close()
	m.wg.Wait()
}
