package tree

import "sort"

// FilterFollowUps applies the follow-up acceptance rules to candidates:
// duplicates of questions already in the index, candidates below the priority
// floor, and disallowed question types are discarded. Survivors are returned
// sorted by priority descending. Filtering is pure: the index is only read,
// never mutated; insertion happens when a child node is actually created.
//
// The caller truncates the result to Config.MaxFollowUpsPerNode.
func FilterFollowUps(candidates []FollowUp, cfg Config, index *DedupIndex) []FollowUp {
	allowed := make(map[QuestionType]bool, len(cfg.AllowedFollowUpTypes))
	for _, t := range cfg.AllowedFollowUpTypes {
		allowed[t] = true
	}

	kept := make([]FollowUp, 0, len(candidates))
	for _, c := range candidates {
		if index != nil && index.Contains(c.Question) {
			continue
		}
		if c.Priority < cfg.MinPriorityScore {
			continue
		}
		// An empty allowed set means no type restriction.
		if len(allowed) > 0 && !allowed[c.Type] {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Priority > kept[j].Priority
	})

	return kept
}
