// Package cache provides TTL caches for memoizing expensive lookups such as
// team IDs, issue searches and created channel IDs, and for remembering
// recently seen items.
package cache
