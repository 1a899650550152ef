// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// filesChecked counts verified files.
	// Labels: outcome (passed, flagged)
	filesChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shroud",
		Subsystem: "verify",
		Name:      "files_total",
		Help:      "Files inspected by verification",
	}, []string{"outcome"})

	// findingsTotal counts findings by the strategy that raised them.
	findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shroud",
		Subsystem: "verify",
		Name:      "findings_total",
		Help:      "Verification findings by strategy",
	}, []string{"strategy"})
)

func recordFile(outcome string) {
	filesChecked.WithLabelValues(outcome).Inc()
}

func recordFinding(strategy string) {
	findingsTotal.WithLabelValues(strategy).Inc()
}
