// Package replication keeps a loaded store current by applying the
// osmChange diffs published by an OSM replication server.
package replication

import (
	"fmt"
	"strings"
)

// Source is a replication directory: BaseURL/state.txt plus one
// AAA/BBB/CCC.{osc.gz,state.txt} pair per sequence.
type Source struct {
	Name    string
	BaseURL string
}

// StateURL returns the URL for the current state file
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

// SequenceStateURL returns the URL for a specific sequence's state file
func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequenceToPath(seq))
}

// SequenceDataURL returns the URL for a specific sequence's osmChange file
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequenceToPath(seq))
}

const planetBase = "https://planet.openstreetmap.org/replication/"

// ParseSource accepts:
//   - "minute", "hour", "day" (or "planet-minute" and friends)
//   - "geofabrik/<region path>", e.g. "geofabrik/europe/monaco"
//   - an http(s) URL of any replication directory
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch strings.TrimPrefix(strings.TrimPrefix(lower, "planet-"), "planet/") {
	case "minute", "hour", "day":
		period := strings.TrimPrefix(strings.TrimPrefix(lower, "planet-"), "planet/")
		return &Source{Name: "planet-" + period, BaseURL: planetBase + period}, nil
	}

	if strings.HasPrefix(lower, "geofabrik/") {
		region := strings.Trim(lower[len("geofabrik/"):], "/")
		if region == "" {
			return nil, fmt.Errorf("geofabrik source needs a region")
		}
		return &Source{
			Name:    "geofabrik/" + region,
			BaseURL: fmt.Sprintf("https://download.geofabrik.de/%s-updates", region),
		}, nil
	}

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &Source{Name: "custom", BaseURL: strings.TrimSuffix(s, "/")}, nil
	}

	return nil, fmt.Errorf("unknown replication source: %s", s)
}
