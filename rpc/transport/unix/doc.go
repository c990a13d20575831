// Package unix implements the Unix domain socket connector of the transport
// package. Importing it registers the connector under the name "unix".
package unix
