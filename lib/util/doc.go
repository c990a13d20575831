// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with atomic operations, even under high contention
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Thread-Safe writes: any number of goroutines may Push concurrently
//   - Single Consumer: items are received from the channel returned by Recv
//   - Per-producer FIFO: items pushed by one goroutine keep their order. Across
//     producers the order is the order in which the appends completed.
//
// The pool uses the queue to deliver listener events off its own goroutines
// without blocking them on slow listeners.
package util
