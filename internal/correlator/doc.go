// Package correlator remembers which message produced which on the other
// side of the relay. Reply-to mapping and edit propagation both go through it.
package correlator
