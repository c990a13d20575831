// Package cmd implements the ipool command-line interface. It opens pools
// against IPROTO servers to check, watch and monitor them.
//
// The package is organized into several subpackages:
//
//   - ping: Balanced pings across all groups and a throughput benchmark (ping perf)
//   - watch: Print the events of watched keys, reconnecting when the connection drops
//   - monitor: Keep a pool open, log health transitions and serve metrics over HTTP
//   - util: Shared flag, environment and pool configuration handling (internal use)
//
// Every flag can also be set as an environment variable IPOOL_<FLAG>, with
// dashes replaced by underscores, or in a .env / .env.local file.
//
// See ipool -help for a list of all commands.
package cmd
