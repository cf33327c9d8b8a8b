// Package aria2 supervises a pool of external aria2c worker processes and
// exposes a single fetch operation to the download workflow. It provisions
// the worker binary, spawns and verifies instances, routes each download to
// the least-loaded instance over the local JSON-RPC control plane, polls
// tasks to completion and keeps the pool healthy across crashes.
package aria2
