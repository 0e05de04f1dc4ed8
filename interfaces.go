package kaiwa

// CredentialStore persists the credential between requests, and between runs
// when it is durable. When provided via WithCredentialStore, replaces the
// configured sqlite or in-memory store. Implementations must be safe for
// concurrent use and replace the whole credential atomically.
type CredentialStore interface {
	Get() (Credential, bool)
	Set(Credential) error
	Clear() error
}

// EventHook pre-empts the built-in handling of one event type. Returning
// false skips the built-in handler for that event. Hooks run on the stream's
// reader goroutine and must not block.
type EventHook func(ev Event) bool

// NoticeHook receives every completion and error notice.
type NoticeHook func(n Notice)
