package repository

import (
	"fmt"
	"sort"
)

// directKey identifies the single direct conversation between two users,
// independent of argument order.
func directKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("%d:%s|%s", len(pair[0]), pair[0], pair[1])
}
