// Package unread keeps the per-thread unread counter. Zero means read.
package unread
