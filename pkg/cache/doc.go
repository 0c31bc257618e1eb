// Package cache wraps the shared Redis connection used for rate
// accounting. Keys are namespaced under cortex: and expire on their own;
// nothing here is durable state.
package cache
