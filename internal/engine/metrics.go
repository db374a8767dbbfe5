// Copyright 2025 Tom Barlow
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

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rulesFired tracks rule firings by trigger type
	rulesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_engine_rules_fired_total",
			Help: "Total rule firings by trigger type",
		},
		[]string{"trigger"},
	)

	// actionResults tracks action outcomes
	actionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_engine_action_results_total",
			Help: "Total action executions by result",
		},
		[]string{"result"},
	)

	// pollDuration tracks how long each poll pass takes
	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overseer_engine_poll_duration_seconds",
			Help:    "Duration of engine poll passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// pollErrors tracks failed poll passes
	pollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_engine_poll_errors_total",
			Help: "Total poll passes that ended in error",
		},
	)
)

// recordRuleFired increments the firing counter
func recordRuleFired(trigger string) {
	rulesFired.WithLabelValues(trigger).Inc()
}

// recordActionResult increments the action outcome counter
func recordActionResult(result string) {
	actionResults.WithLabelValues(result).Inc()
}

// observePollDuration records one poll pass duration
func observePollDuration(d time.Duration) {
	pollDuration.Observe(d.Seconds())
}

// recordPollError increments the poll error counter
func recordPollError() {
	pollErrors.Inc()
}
