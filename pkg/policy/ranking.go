package policy

import (
	"fmt"
	"sort"

	"github.com/opsgrid/remex/pkg/config"
)

// Match is one scored candidate.
type Match struct {
	Playbook *config.Playbook
	Score    float64
}

// SelectPlaybook scores the candidate catalog keys against the
// exception's features and returns the winner. Ties break to the lowest
// lexicographic playbook id. Returns false when no candidate reaches the
// pack's threshold; the caller escalates.
//
// Unknown catalog keys are skipped rather than failing: a policy pack
// and a playbook catalog can be published independently, and a dangling
// candidate must not wedge the pipeline.
func SelectPlaybook(snap *config.Snapshot, candidates []string, features map[string]any) (*Match, bool) {
	ranking := snap.PolicyPack.Ranking

	var matches []Match
	for _, key := range candidates {
		pb, ok := snap.PlaybookByKey(key)
		if !ok {
			continue
		}
		matches = append(matches, Match{Playbook: pb, Score: score(ranking, pb, features)})
	}
	if len(matches) == 0 {
		return nil, false
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Playbook.PlaybookID < matches[j].Playbook.PlaybookID
	})

	best := matches[0]
	if best.Score < ranking.Threshold {
		return nil, false
	}
	return &best, true
}

// score grants the base score plus each weight whose feature value
// matches the playbook's tag for that feature.
func score(ranking config.RankingConfig, pb *config.Playbook, features map[string]any) float64 {
	s := ranking.BaseScore
	for feature, weight := range ranking.Weights {
		tag, ok := pb.Tags[feature]
		if !ok {
			continue
		}
		v, ok := features[feature]
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", v) == tag {
			s += weight
		}
	}
	return s
}
