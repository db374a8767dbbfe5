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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksAssigned tracks total task assignments
	tasksAssigned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_supervisor_tasks_assigned_total",
			Help: "Total tasks assigned to the queue",
		},
	)

	// tasksCompleted tracks completions by outcome
	tasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_supervisor_tasks_completed_total",
			Help: "Total task completions by outcome",
		},
		[]string{"result"},
	)

	// agentsSpawned tracks worker spawns
	agentsSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_supervisor_agents_spawned_total",
			Help: "Total worker agents spawned",
		},
	)
)

// recordTaskAssigned increments the assignment counter
func recordTaskAssigned() {
	tasksAssigned.Inc()
}

// recordTaskCompleted increments the completion counter
func recordTaskCompleted(result string) {
	tasksCompleted.WithLabelValues(result).Inc()
}

// recordAgentSpawned increments the spawn counter
func recordAgentSpawned() {
	agentsSpawned.Inc()
}
