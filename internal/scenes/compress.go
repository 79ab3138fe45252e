package scenes

// Compress merges imported scenes into a readable form and returns the
// result. Three single passes run in order:
//
//   - scenes with identical controllers are merged into one with the
//     union of their responders
//   - scenes with identical responders are merged into one with the union
//     of their controllers
//   - scenes in which every device of each appears in the other, on either
//     side, are merged into one n-way scene
//
// When two scenes merge, the later one absorbs the earlier one and takes
// its name if it had one.
func Compress(descs []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Clone())
	}

	out = mergePass(out, func(a, b Descriptor) bool { return sameMembers(a.Controllers, b.Controllers) })
	out = mergePass(out, func(a, b Descriptor) bool { return sameMembers(a.Responders, b.Responders) })
	out = mergePass(out, canMergeNWay)
	return out
}

// mergePass folds each scene into the first later scene match accepts.
func mergePass(descs []Descriptor, match func(a, b Descriptor) bool) []Descriptor {
	i := 0
	for i < len(descs) {
		merged := false
		for j := i + 1; j < len(descs); j++ {
			if !match(descs[i], descs[j]) {
				continue
			}
			descs[j] = absorb(descs[j], descs[i])
			descs = append(descs[:i], descs[i+1:]...)
			merged = true
			break
		}
		if !merged {
			i++
		}
	}
	return descs
}

// absorb returns dst with the members of src added.
func absorb(dst, src Descriptor) Descriptor {
	for _, c := range src.Controllers {
		if !contains(dst.Controllers, c) {
			dst.Controllers = append(dst.Controllers, c)
		}
	}
	for _, r := range src.Responders {
		if !contains(dst.Responders, r) {
			dst.Responders = append(dst.Responders, r)
		}
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	return dst
}

func contains(ms []Member, m Member) bool {
	for _, x := range ms {
		if x == m {
			return true
		}
	}
	return false
}

// sameMembers compares two member lists as multisets.
func sameMembers(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[Member]int, len(a))
	for _, m := range a {
		counts[m]++
	}
	for _, m := range b {
		counts[m]--
		if counts[m] < 0 {
			return false
		}
	}
	return true
}

// canMergeNWay reports whether every device button of a appears in b and
// every one of b appears in a, on either side.
func canMergeNWay(a, b Descriptor) bool {
	covered := func(from, in Descriptor) bool {
		for _, m := range from.Controllers {
			if !in.has(m) {
				return false
			}
		}
		for _, m := range from.Responders {
			if !in.has(m) {
				return false
			}
		}
		return true
	}
	return covered(a, b) && covered(b, a)
}
