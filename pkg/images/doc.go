// Package images tracks engine image availability and enforces the
// offline policy: when offline, a missing image is a hard failure naming
// the remedy instead of a surprise pull.
package images
