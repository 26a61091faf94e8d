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

package relay

import "github.com/prometheus/client_golang/prometheus"

var sessionsCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "relay",
		Name:      "sessions",
		Help:      "Client sessions used for delivery attempts, by whether the session was dialed or reused",
	},
	[]string{"origin"},
)

var implicitMXCnt = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "relay",
		Name:      "implicit_mx",
		Help:      "MX resolutions that fell back to the A/AAAA record because the domain has no MX",
	},
)

func init() {
	prometheus.MustRegister(sessionsCnt)
	prometheus.MustRegister(implicitMXCnt)
}
