// Package typing tracks transient "participant is typing" signals.
//
// Each (conversation, participant) pair holds at most one signal with an
// expiry. Refreshing a live signal only moves its expiry, so a burst of
// keystrokes produces one started event and, once the participant goes quiet,
// one stopped event. A background sweep on a fixed interval expires signals
// independently of message traffic.
package typing
