// Package store declares the crawl-cycle run repository. Implementations live
// under internal/storage; this package must not import database drivers.
package store
