// Package model contains the task state vocabulary and status snapshot
// types shared between the engine protocol client and its callers.
package model
