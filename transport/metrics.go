// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "transport", Name: "sends_total",
		Help: "Outgoing transfer sends per transport.",
	}, []string{"transport"})

	recipientOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "transport", Name: "recipient_outcomes_total",
		Help: "Per-recipient send outcomes per transport.",
	}, []string{"transport", "outcome"})

	receiveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "transport", Name: "envelopes_received_total",
		Help: "Incoming envelopes per transport.",
	}, []string{"transport"})

	transportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firmasign", Subsystem: "transport", Name: "errors_total",
		Help: "Supervisor-visible transport errors.",
	}, []string{"transport"})
)

// CountEnvelope records one received envelope for a transport. Implementations
// call this when a wire request passes validation.
func CountEnvelope(name string) {
	receiveTotal.WithLabelValues(name).Inc()
}
