// Package envelope defines the cross-frame wire format exchanged between a
// host page and the embedded widget, and the origin guard every inbound
// message passes before dispatch.
//
// Messages are JSON objects carrying a "type" discriminator. Decode is the
// protocol boundary: anything that is not an object, carries an unknown
// tag, or has the wrong shape comes back as a KindProtocol error and never
// reaches application logic as a panic.
//
// Outbound posts are addressed to a concrete origin. Only the
// mobile-inactivity-expired status event may be posted to "*".
package envelope
