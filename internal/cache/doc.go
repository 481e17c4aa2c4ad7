// Package cache provides a small thread-safe LRU cache.
//
//	c := cache.New[string, []uint32](32)
//	c.Set("lighting", words)
//	words, ok := c.Get("lighting")
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
