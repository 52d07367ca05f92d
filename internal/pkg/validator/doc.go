// Package validator validates configuration and request structs.
//
// Callers depend on the Validator interface. V10Validator implements it with
// go-playground/validator v10 and adds the topic and URL rules used by the
// adapters and the gateway:
//
//	topicname   a topic name: letters, digits, '.', '_', '-' or '/', at most 249 bytes
//	bpsurl      an absolute URL with a scheme, as resolved by bps.Registry
package validator
