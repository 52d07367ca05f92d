// Package bps is a backend-agnostic publish/subscribe facade.
//
// Callers resolve a connection URL through a Registry and receive a Publisher
// or Subscriber without knowing which message transport serves it:
//
//	reg := bps.NewRegistry()
//	messaging.RegisterKafka(reg)
//
//	pub, err := reg.NewPublisher(ctx, "kafka://10.0.0.1,10.0.0.2:9093/?client_id=svc")
//	if err != nil {
//		return err
//	}
//	defer pub.Close()
//
//	err = pub.Topic("orders").Publish(ctx, &bps.PubMessage{Data: payload})
//
// Backend adapters register a factory per URL scheme. A factory receives the
// parsed URL and the raw query options and applies its own coerce.Coercer
// before building the backend client.
package bps
