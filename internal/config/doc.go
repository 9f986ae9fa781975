// Package config handles client options and service configuration.
//
// ClientOptions configure a realtime client: credentials, hosts, timeouts
// and connection behaviour. Config is the YAML document read by the
// recorder and the command line tools; it embeds ClientOptions under the
// "realtime" key.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, so keys can stay out of the file:
//
//	realtime:
//	  key: ${REALTIME_KEY}
//	  environment: sandbox
package config
