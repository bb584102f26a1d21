// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package tasks

import "github.com/prometheus/client_golang/prometheus"

var finishedJobsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "repomgr_finished_build_jobs",
		Help: "Counter for build jobs that reached their terminal state, by kind, outcome and failure reason.",
	},
	[]string{"job_kind", "outcome", "failure_reason"},
)

func init() {
	prometheus.MustRegister(finishedJobsCounter)
}
