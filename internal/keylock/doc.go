// Package keylock provides per-key mutexes.
package keylock
