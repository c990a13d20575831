// Package balancer picks a pooled connection for the next request.
//
// Both balancers only consider Active slots and fail with
// ErrNoAvailableClients, without any network I/O, when there is none.
//
//   - RoundRobin cycles over all slots of all groups in configuration order.
//   - Distributing cycles over the groups first and over each group's slots
//     second, so a group with 3 slots gets as many calls as one with 7.
//
// Neither balancer retries a request, they only choose where it goes.
package balancer
