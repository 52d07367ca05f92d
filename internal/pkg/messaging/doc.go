// Package messaging implements bps publishers and subscribers for concrete
// backends and registers them by URL scheme.
//
// Every adapter exposes a config struct, a constructor taking that config and
// a Register function binding its schemes to a *bps.Registry. The Register
// functions parse the URL and its query options with a schema specific to
// the backend, so the same options can be passed either in the URL or
// programmatically:
//
//	reg := bps.NewRegistry()
//	messaging.RegisterAll(reg)
//	pub, err := reg.NewPublisher(ctx, "kafka://broker1,broker2:9093/?client_id=svc")
//
// Business code should depend on the bps interfaces only, so swapping backends
// is a configuration change.
package messaging
