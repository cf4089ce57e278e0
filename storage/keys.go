package storage

import "strconv"

const (
	assignmentsKeyPrefix = "assignments"
	// GlobalScope is the cache scope used when listings are not owner-scoped.
	GlobalScope = "*"
)

// PageKey derives the cache key of one listing page. Skip and limit are always
// the last two segments so the scope can be recovered unambiguously even when
// it contains separators.
func PageKey(scope string, skip, limit int) string {
	return scopePrefix(scope) + strconv.Itoa(skip) + ":" + strconv.Itoa(limit)
}

// IndexKey names the set tracking every page key cached for scope.
func IndexKey(scope string) string {
	return scopePrefix(scope) + "pages"
}

func scopePrefix(scope string) string {
	// The braces form a Redis Cluster hash tag so all keys of one scope share a slot.
	return assignmentsKeyPrefix + ":{" + scope + "}:"
}
