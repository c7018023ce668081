// Package secret holds plaintext in mlocked memory for the length of one
// filter call (WithLockedCopy, used by projection's ldap_password_hash
// filter), so that copy never gets swapped to disk. Secret-class
// attribute values elsewhere in projection and emission are ordinary Go
// values. Modelled on the teacher's
// services/orchestrator/handlers/secure_accumulator.go, which mlocks LLM
// response tokens the same way.
package secret

import (
	"sync"

	"github.com/awnumar/memguard"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// WithLockedCopy copies plaintext into an mlocked buffer, runs fn against
// it, and destroys the buffer before returning — regardless of whether fn
// succeeds — so the plaintext's lifetime in unprotected memory is just the
// duration of the one filter call that needed it.
func WithLockedCopy(plaintext []byte, fn func(plain []byte) ([]byte, error)) ([]byte, error) {
	ensureInit()
	buf := memguard.NewBufferFromBytes(append([]byte(nil), plaintext...))
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Wipe destroys a process-owned copy of a secret value. Call it once a
// secret attribute's bytes have been handed off to the bus client and are
// no longer needed in this process.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

// Purge releases all memguard-managed buffers; called on graceful
// shutdown after the in-flight event has been persisted (spec.md §5
// "Cancellation and timeouts").
func Purge() {
	memguard.Purge()
}
