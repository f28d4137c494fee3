package schema

import "time"

// MergeOverlappingKeepingDeletions adds rec to list, coalescing it with every
// non-deleting record that has the same label (color, summary, description)
// and overlaps it in time.
//
// Coalesced originals are kept as tombstones (IsDeleting, Unsaved=now) so the
// sync engine still issues their deletes. The merged record keeps rec's
// identity and spans the earliest start and latest end of the group. Because a
// widened span may reach records that were disjoint before, the process is
// repeated until a fixed point is reached.
//
// list is not modified.
func MergeOverlappingKeepingDeletions(rec Record, list []Record, now time.Time) []Record {
	out := Clone(list)
	cur := rec

	for {
		merged := false
		for i := range out {
			other := &out[i]
			if other.IsDeleting || !sameLabel(cur, *other) {
				continue
			}
			// identical spans count even when zero-length
			if !Overlaps(cur.Start, cur.End, other.Start, other.End) && !IsContentEquivalent(cur, *other) {
				continue
			}

			if other.Start.Before(cur.Start) {
				cur.Start = other.Start
			}
			if other.End.After(cur.End) {
				cur.End = other.End
			}
			other.IsDeleting = true
			other.Touch(now)
			merged = true
		}
		if !merged {
			break
		}
		cur.Touch(now)
	}

	return append(out, cur)
}

// HasOverlappingDuplicates reports whether list holds two non-deleting
// records that are content-equivalent and overlap, touching endpoints
// included.
func HasOverlappingDuplicates(list []Record) bool {
	for i := range list {
		if list[i].IsDeleting {
			continue
		}
		for j := i + 1; j < len(list); j++ {
			if list[j].IsDeleting {
				continue
			}
			if IsContentEquivalent(list[i], list[j]) &&
				OverlapsInclusive(list[i].Start, list[i].End, list[j].Start, list[j].End) {
				return true
			}
		}
	}
	return false
}
