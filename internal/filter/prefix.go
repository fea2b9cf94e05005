package filter

import "sort"

// ShortestUniquePrefix returns the smallest prefix length, at least minSize,
// that tells every id in ids apart. The result never exceeds the length of
// the longest id. It is meant for display only.
func ShortestUniquePrefix(ids []string, minSize int) int {
	if len(ids) == 0 {
		return minSize
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	size := minSize
	longest := 0
	for i, id := range sorted {
		if len(id) > longest {
			longest = len(id)
		}
		if i == 0 || id == sorted[i-1] {
			continue
		}
		if n := commonPrefix(sorted[i-1], id) + 1; n > size {
			size = n
		}
	}
	if size > longest {
		size = longest
	}
	return size
}

// Shorten truncates id to size characters.
func Shorten(id string, size int) string {
	if size <= 0 || len(id) <= size {
		return id
	}
	return id[:size]
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
