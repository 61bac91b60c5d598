// Package assign implements the deterministic partition-assignment
// function (spec §4.2): pick(pnum, cids, id) -> contiguous range or none.
package assign

import "sort"

// Range is an inclusive partition index range [First, Last].
type Range struct {
	First int
	Last  int
}

// Pick maps (pnum, sorted member ids, self id) to the contiguous range of
// partition indices the caller owns. ok is false when id holds no
// partitions (id absent from cids, or more members than partitions).
//
// pnum is the number of partitions (0-indexed [0, pnum-1]); cids is the
// member id list in any order; id is the caller's own id.
//
// Partitions are split as evenly as possible: with k = len(cids), the
// first (pnum mod k) members each get (pnum div k)+1 partitions and the
// rest get (pnum div k); ranges are assigned in sorted-member order so
// the union over all ids is exactly [0, pnum-1] and ranges never overlap.
func Pick(pnum int, cids []string, id string) (r Range, ok bool) {
	if pnum < 0 || len(cids) == 0 {
		return Range{}, false
	}

	sorted := make([]string, len(cids))
	copy(sorted, cids)
	sort.Strings(sorted)

	k := len(sorted)
	pos := sort.SearchStrings(sorted, id)
	if pos >= k || sorted[pos] != id {
		return Range{}, false
	}

	base := pnum / k
	remainder := pnum % k

	var first, count int
	if pos < remainder {
		count = base + 1
		first = pos * count
	} else {
		count = base
		first = remainder*(base+1) + (pos-remainder)*base
	}
	last := first + count - 1

	if last > pnum-1 {
		last = pnum - 1
	}
	if last < 0 || last < first {
		return Range{}, false
	}
	return Range{First: first, Last: last}, true
}
