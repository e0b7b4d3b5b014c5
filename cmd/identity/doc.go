// Package identity is the boundary to the external identity provider.
//
// The DM core never manages login or credential storage; it only consumes
// "who am I" for an opaque credential. Providers answer that question, either
// from a static in-process table (dev, tests) or from a credential table in
// PostgreSQL shared with the wrapping application.
package identity
