// Package health tracks component status for the ops endpoints.
//
// Components report into a Monitor either by pushing a Status with
// Update or by registering a Probe that is evaluated on every check.
// The aggregate is unhealthy if any component is unhealthy, degraded if
// any is degraded, healthy otherwise.
//
// Handler serves /healthz (liveness: 503 only when unhealthy) and
// /readyz (503 until SetReady(true) and whenever the aggregate is not
// healthy). Messages built from errors pass through Sanitize so URLs,
// paths, addresses and credentials never reach the response body.
package health
