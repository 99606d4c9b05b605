// Package crawler runs the two-stage directory crawl: seeds are expanded into
// targets through listing pages, then each target's detail page becomes one
// record handed to a batching writer. Browser sessions come from a bounded
// pool shared by every worker of both stages.
package crawler
