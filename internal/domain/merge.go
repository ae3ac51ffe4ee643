package domain

// MergeCandidates collapses candidates sharing a key. The lowest tier wins;
// among equal tiers the first seen is kept. Order of first appearance is
// preserved.
func MergeCandidates(candidates []Candidate) []Candidate {
	index := make(map[ProxyKey]int, len(candidates))
	unique := make([]Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		key := candidate.Key()
		if at, seen := index[key]; seen {
			if candidate.Tier < unique[at].Tier {
				unique[at] = candidate
			}
			continue
		}
		index[key] = len(unique)
		unique = append(unique, candidate)
	}
	return unique
}
