// Package platform isolates the OS-specific pieces of worker process
// management: force-killing stray engine processes, escalated kills by
// PID, well-known binary install locations and CA bundle discovery.
package platform
