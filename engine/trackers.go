package engine

import (
	"fmt"
	"math/rand"
	"net/url"

	"gotorrent/tracker"
)

// buildTiers turns a metainfo announce/announce-list pair into a
// priority-ordered list of tracker tiers, each internally shuffled
// once (BEP 12): tier 0 is tried first, falling through to later
// tiers only if every tracker in an earlier tier fails.
func buildTiers(announce string, announceList [][]string) ([][]tracker.Tracker, error) {
	var rawTiers [][]string
	if len(announceList) > 0 {
		rawTiers = announceList
	} else if announce != "" {
		rawTiers = [][]string{{announce}}
	}
	if len(rawTiers) == 0 {
		return nil, fmt.Errorf("engine: no announce URL present")
	}

	tiers := make([][]tracker.Tracker, 0, len(rawTiers))
	for _, urls := range rawTiers {
		shuffled := append([]string(nil), urls...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var tier []tracker.Tracker
		for _, raw := range shuffled {
			t, err := newTracker(raw)
			if err != nil {
				continue
			}
			tier = append(tier, t)
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("engine: no usable tracker URL in %q / %v", announce, announceList)
	}
	return tiers, nil
}

func newTracker(raw string) (tracker.Tracker, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return tracker.NewHTTPTracker(raw), nil
	case "udp":
		return tracker.NewUDPTracker(u.Host), nil
	default:
		return nil, fmt.Errorf("engine: unsupported tracker scheme %q", u.Scheme)
	}
}
