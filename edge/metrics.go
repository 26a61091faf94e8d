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

package edge

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kurier",
			Subsystem: "edge",
			Name:      "started_transactions",
			Help:      "SMTP transactions opened by connected clients",
		},
		[]string{"edge"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kurier",
			Subsystem: "edge",
			Name:      "completed_transactions",
			Help:      "SMTP transactions that ended with the message queued",
		},
		[]string{"edge"},
	)
	abortedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kurier",
			Subsystem: "edge",
			Name:      "aborted_transactions",
			Help:      "SMTP transactions dropped before the message was queued",
		},
		[]string{"edge"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kurier",
			Subsystem: "edge",
			Name:      "failed_commands",
			Help:      "Transaction commands answered with an error reply",
		},
		[]string{"edge", "command", "smtp_code", "smtp_enchcode"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(abortedTransactions)
	prometheus.MustRegister(failedCmds)
}
