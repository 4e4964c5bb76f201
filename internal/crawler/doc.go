// Package crawler holds the domain model of the sold-listing ingestion pipeline:
// records, fetch requests, page results, the upstream search endpoint, the retry
// policy, and the interfaces each pipeline stage implements.
package crawler
