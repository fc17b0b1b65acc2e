// Package redis builds the shared go-redis client used by the energy lock,
// the job period guard and the execution event stream.
package redis
