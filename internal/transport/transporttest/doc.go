// Package transporttest provides an in-memory transport for tests.
package transporttest
