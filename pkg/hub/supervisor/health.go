// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"time"

	"github.com/porticolabs/portico/pkg/logger"
)

const defaultHealthInterval = 30 * time.Second

// healthLoop pings the backend while it stays RUNNING. After the configured
// number of consecutive failures the connection is torn down, which feeds the
// regular crash-and-restart path.
func (s *Supervisor) healthLoop(gen int, runDone <-chan struct{}) {
	interval := s.backend.HealthCheck.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	maxFailures := s.backend.HealthCheck.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-runDone:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.backend.Timeouts.HealthcheckOrDefault())
		err := s.Ping(ctx)
		cancel()

		if err == nil {
			consecutive = 0
			continue
		}

		consecutive++
		logger.Warnw("health probe failed",
			"backend", s.backend.ID, "consecutive", consecutive, "err", err)
		if consecutive < maxFailures {
			continue
		}

		// The transport teardown surfaces as a transport-gone crash for
		// this generation, triggering auto-restart policy.
		s.mu.Lock()
		stale := s.gen != gen
		tr := s.tr
		s.mu.Unlock()
		if stale || tr == nil {
			return
		}
		logger.Errorw("health probes exhausted, recycling backend",
			"backend", s.backend.ID, "failures", consecutive)
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tr.Close(closeCtx)
		cancelClose()
		return
	}
}
