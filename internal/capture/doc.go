// Package capture defines the contracts and service for turning finished
// upstream runs into stored records. It owns the payload types shared by the
// fetcher, the archive and event interfaces, and the capture error taxonomy.
package capture
