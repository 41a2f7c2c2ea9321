package topology

import (
	"math/rand"
	"time"

	"github.com/elear-solutions/meshlink-tiny/internal/metrics"
)

// seenWindow is the duration a request string is considered "seen" for
// broadcast loop suppression, spec.md §4.6's "past 60 seconds."
const seenWindow = 60 * time.Second

// agingInterval is the base period of the self-rearming aging timer,
// spec.md §4.6's "age out on a 10-second timer."
const agingInterval = 10 * time.Second

// agingJitter is the maximum jitter fuzzed into the aging timer, drawn from
// a mesh-local PRNG per spec.md §6's "a separate non-cryptographic PRNG
// seeded from the mesh handle is used only for timer jitter."
const agingJitter = time.Second

// Clock is a function returning the current time. Nothing in this package
// takes one: Seen and AgePastRequests are passed the current time directly.
type Clock func() time.Time

// Seen records request (the exact byte-for-byte request string) against the
// past-request cache. It returns false the first time a given request is
// seen within the current 60-second window, and true on every subsequent
// call for the same request within that window — spec.md §8's invariant
// "after seen(r) returns false once within any 60-second window, every
// subsequent seen(r) within that window returns true."
func (s *Store) Seen(request string, now time.Time) bool {
	nowUnix := now.Unix()
	if firstSeen, ok := s.pastRequests.Get(request); ok {
		if now.Sub(time.Unix(firstSeen, 0)) < seenWindow {
			return true
		}
		// Window expired; treat as a fresh sighting.
	}
	s.pastRequests.Insert(request, nowUnix)
	metrics.PastRequestCacheSize.Set(float64(s.pastRequests.Len()))
	return false
}

// PastRequestCount reports how many distinct requests are currently
// tracked, exposed for the metrics endpoint's "past-request cache size"
// gauge (SPEC_FULL.md §8).
func (s *Store) PastRequestCount() int {
	return s.pastRequests.Len()
}

// AgePastRequests deletes every tracked request whose first-seen time is
// older than 60 seconds relative to now, leaving entries whose
// first_seen+60 > now untouched, matching spec.md §8's boundary-case
// wording exactly.
func (s *Store) AgePastRequests(now time.Time) {
	var expired []string
	s.pastRequests.Ascend(func(req string, firstSeen int64) bool {
		if now.Sub(time.Unix(firstSeen, 0)) >= seenWindow {
			expired = append(expired, req)
		}
		return true
	})
	for _, req := range expired {
		s.pastRequests.Delete(req)
	}
	metrics.PastRequestCacheSize.Set(float64(s.pastRequests.Len()))
}

// NextAgingDelay returns the jittered delay until the aging timer should
// next fire, or false if the cache is empty and the timer should not be
// rearmed — spec.md §8's "re-arms its own timer iff at least one entry
// remains." rng supplies the mesh-local jitter source; pass nil to use
// math/rand's default source.
func (s *Store) NextAgingDelay(rng *rand.Rand) (time.Duration, bool) {
	if s.pastRequests.Len() == 0 {
		return 0, false
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(agingJitter)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(agingJitter)))
	}
	return agingInterval + jitter, true
}
