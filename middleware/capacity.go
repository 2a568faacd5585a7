package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"
	"github.com/timelapselabs/timelapse-api/config"
	"github.com/timelapselabs/timelapse-api/jobs"
	"github.com/timelapselabs/timelapse-api/metrics"
)

// CapacityMiddleware sheds job-creation requests when the node already holds
// its maximum of in-flight jobs. Requests racing through the check are counted
// too, so a burst cannot overshoot the limit before the store catches up.
type CapacityMiddleware struct {
	createRequestsInFlight atomic.Int64
}

func (c *CapacityMiddleware) HasCapacity(store *jobs.Store, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.Metrics.HTTPRequestsInFlight.Add(1)
		defer metrics.Metrics.HTTPRequestsInFlight.Add(-1)

		inFlightReqs := c.createRequestsInFlight.Add(1)
		defer c.createRequestsInFlight.Add(-1)

		if store.InFlightCount()+int(inFlightReqs)-1 >= config.MaxInFlightJobs {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next(w, r, ps)
	}
}
