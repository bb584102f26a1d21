// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	uploadedObjectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repomgr_uploaded_objects",
			Help: "Counter for objects uploaded into staging repositories.",
		},
	)
	uploadedBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repomgr_uploaded_bytes",
			Help: "Counter for bytes uploaded into staging repositories.",
		},
	)
	publishedObjectsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repomgr_published_objects",
			Help: "Counter for objects merged into the production repository by publish jobs. The result is either \"copied\" or \"deduplicated\" (when the object already existed in production).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(uploadedObjectsCounter)
	prometheus.MustRegister(uploadedBytesCounter)
	prometheus.MustRegister(publishedObjectsCounter)
}
