// Package device provides the byte-addressable I/O provider behind the disk tier.
//
// A Device is a fixed-size span of bytes addressed by offset: reads and writes take an offset and a length, and
// Sync makes every completed write durable. The region allocator lays its ring of regions out on a single Device.
//
// Blocking calls on a Device park only the calling goroutine; other cache operations keep running on the
// remaining goroutines while an I/O is outstanding.
package device
