package correlation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunJanitor expires entries older than maxAge every interval until ctx is done.
// A pending downlink whose cloud lock has already lapsed can no longer be settled.
func (r *Registry) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := r.Expire(r.now().Add(-maxAge))
			for _, e := range expired {
				log.Warn().
					Str("token", e.Token).
					Str("applicationID", e.ApplicationID).
					Str("deviceID", e.DeviceID).
					Dur("age", r.now().Sub(e.CreatedAt)).
					Msg("Correlation entry expired without delivery status")
			}
			if len(expired) > 0 {
				log.Info().Int("expired", len(expired)).Int("pending", r.Len()).Msg("Correlation janitor pass")
			}
		}
	}
}
