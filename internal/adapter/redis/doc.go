// Package redis provides the shared redis client and the cross-instance toggle debouncer.
//
// Every client carries two hooks: a gobreaker circuit breaker so a failing redis fails fast
// instead of stalling toggles, and a metrics hook recording per-command latency.
package redis
