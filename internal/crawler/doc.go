// Package crawler holds the resumable crawl controller and the types shared by
// the checkpoint, hash index, extraction and pipeline packages.
//
// A target moves through Idle, ListingPage, ExtractItem, ExpandPagination and
// Checkpointing until it reaches Complete or Failed. Every processed item is
// recorded in the checkpoint store before the next one starts, so a crash
// loses at most the item in flight.
package crawler
