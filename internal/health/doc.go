// Package health polls instance processes over the standard gRPC health
// protocol (grpc.health.v1.Health/Check with the empty service name).
//
// IsHealthy never fails: a transport error or any status other than SERVING
// is simply reported as unhealthy. WaitUntilHealthy polls on a fixed interval
// and escalates to an *apperr.InstanceError of KindNotReady once its timeout
// elapses. The bridge and worker waits are the same primitive with different
// timings.
package health
