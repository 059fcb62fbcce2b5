package server

import (
	"context"
	"net/http"

	"github.com/eumetnet/apikey-controlplane/internal/fanout"
)

// handleHealth fans every registered backend check out concurrently and
// reports unhealthy if ANY of them fails — unlike /routes, a single
// backend outage here is not tolerated (spec §6.1, grounded on the
// original health router's any(...) check over every instance).
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, len(s.deps.HealthChecks))
	for i, c := range s.deps.HealthChecks {
		names[i] = c.Name
	}

	outcomes := fanout.Run(r.Context(), names, func(ctx context.Context, instance string) (struct{}, error) {
		for _, c := range s.deps.HealthChecks {
			if c.Name == instance {
				return struct{}{}, c.Check(ctx)
			}
		}
		return struct{}{}, nil
	})

	if fanout.FirstErr(outcomes) != nil {
		writeMessage(w, http.StatusServiceUnavailable, "Vault and/or APISIX instances are not healthy")
		return
	}
	writeOK(w)
}
