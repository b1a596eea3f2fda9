package artifact

// Index returns the position of each artifact key in arts. When keys repeat
// the first position wins.
func Index(arts []*Artifact) map[string]int {
	idx := make(map[string]int, len(arts))
	for i, a := range arts {
		k := a.Key()
		if _, ok := idx[k]; !ok {
			idx[k] = i
		}
	}
	return idx
}

// Keys returns the key of every artifact, in order.
func Keys(arts []*Artifact) []string {
	keys := make([]string, len(arts))
	for i, a := range arts {
		keys[i] = a.Key()
	}
	return keys
}

// Select resolves keys against arts, in key order. Keys naming none of arts
// are skipped.
func Select(arts []*Artifact, keys []string) []*Artifact {
	idx := Index(arts)
	out := make([]*Artifact, 0, len(keys))
	for _, k := range keys {
		if i, ok := idx[k]; ok {
			out = append(out, arts[i])
		}
	}
	return out
}

// Dedup drops repeated keys, keeping the first occurrence and input order.
func Dedup(arts []*Artifact) []*Artifact {
	seen := make(map[string]bool, len(arts))
	out := make([]*Artifact, 0, len(arts))
	for _, a := range arts {
		k := a.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

// Intersect keeps the artifacts of base whose keys appear in every one of
// accepted. Order follows base.
func Intersect(base []*Artifact, accepted ...[]*Artifact) []*Artifact {
	out := make([]*Artifact, 0, len(base))
	sets := make([]map[string]int, len(accepted))
	for i, acc := range accepted {
		sets[i] = Index(acc)
	}
	for _, a := range Dedup(base) {
		k := a.Key()
		keep := true
		for _, s := range sets {
			if _, ok := s[k]; !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, a)
		}
	}
	return out
}

// ByCreator returns the artifacts created by creator, in order.
func ByCreator(arts []*Artifact, creator string) []*Artifact {
	var out []*Artifact
	for _, a := range arts {
		if a.creator == creator {
			out = append(out, a)
		}
	}
	return out
}
