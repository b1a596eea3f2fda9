package vote

import "github.com/ssd-technologies/creamas/internal/artifact"

// IRV ranks every candidate by instant-runoff elimination. Ballot scores are
// ignored; only order matters. Each round tallies first-place votes over the
// surviving candidates and eliminates the one with the fewest. When several
// share the fewest, the one listed latest in cands goes first. Entries that
// are not candidates are ignored.
//
// The result holds the winner followed by the others in reverse elimination
// order. Each score is the first-place tally the candidate held when it left
// the race (for the winner, its final tally). It always finishes after
// len(cands)-1 rounds.
func IRV(cands []*artifact.Artifact, ballots []Ballot) []Scored {
	cands = artifact.Dedup(cands)
	if len(cands) == 0 {
		return nil
	}
	idx := artifact.Index(cands)

	ranked := make([][]int, 0, len(ballots))
	for _, b := range ballots {
		seen := make(map[int]bool, len(b))
		r := make([]int, 0, len(b))
		for _, e := range b {
			i, ok := idx[e.Artifact.Key()]
			if !ok || seen[i] {
				continue
			}
			seen[i] = true
			r = append(r, i)
		}
		ranked = append(ranked, r)
	}

	alive := make([]bool, len(cands))
	for i := range alive {
		alive[i] = true
	}
	tally := make([]int, len(cands))
	count := func() {
		clear(tally)
		for _, r := range ranked {
			for _, i := range r {
				if alive[i] {
					tally[i]++
					break
				}
			}
		}
	}

	out := make([]Scored, len(cands))
	for round := len(cands) - 1; round > 0; round-- {
		count()
		last := -1
		for i := range cands {
			if alive[i] && (last < 0 || tally[i] <= tally[last]) {
				last = i
			}
		}
		alive[last] = false
		out[round] = Scored{Artifact: cands[last], Score: float64(tally[last])}
	}

	count()
	for i := range cands {
		if alive[i] {
			out[0] = Scored{Artifact: cands[i], Score: float64(tally[i])}
		}
	}
	return out
}
