// Package futex implements the futex wait/wake table.
//
// Wait queues are keyed by the futex word's location: the address space
// and virtual address for process-private futexes, the backing page
// frame for shared ones, so that processes mapping the same page meet
// on the same queue. Queues are created on first wait and never freed.
package futex
