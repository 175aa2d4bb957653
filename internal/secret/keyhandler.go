package secret

import (
	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/pkg/util"
)

// WithKey is the Secure Key Handler (C2): decrypts ciphertext/iv/tag under
// master into a buffer, invokes fn with it, and guarantees the buffer is
// zeroed before returning — whether fn succeeds, panics, or returns an
// error. fn must not retain the slice it is given; it is invalid the moment
// WithKey returns.
func WithKey[T any](ciphertext, iv, tag, master []byte, fn func(key []byte) (T, error)) (result T, err error) {
	buf, err := util.DecryptKey(master, ciphertext, iv, tag)
	if err != nil {
		var zero T
		return zero, apperr.New("secret.with_key", apperr.CryptoIntegrity, err)
	}
	defer util.Zero(buf)

	return fn(buf)
}
