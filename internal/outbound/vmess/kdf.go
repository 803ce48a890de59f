package vmess

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// hmacGeneric runs HMAC with an arbitrary hash constructor (e.g. md5.New),
// used for VMess's HMAC-MD5 auth id where crypto/hmac has no hmac.New
// shortcut of its own beyond the generic constructor-plus-key form.
func hmacGeneric(newHash func() hash.Hash, key, data []byte) []byte {
	h := hmac.New(newHash, key)
	h.Write(data)
	return h.Sum(nil)
}

// KDF implements the chained HMAC-SHA256 key derivation spec §4.4.2 defines:
// kdf(key, path1, path2, ...) = HMAC(HMAC(...HMAC(key, path1)..., path2), pathN).
func KDF(key []byte, paths ...[]byte) []byte {
	k := key
	var mac []byte
	for _, p := range paths {
		h := hmac.New(sha256.New, k)
		h.Write(p)
		mac = h.Sum(nil)
		k = mac
	}
	return mac
}

// kdf1 is the canonical single-step KDF per the spec's Open Question
// correction: hmac(t0, 0x01), NOT the nested-and-discarded form the
// original excerpt computed.
func kdf1(key []byte) []byte {
	return KDF(key, []byte{0x01})
}

var (
	pathAEADHeaderLenKey = []byte("VMess Header AEAD Key_Length")
	pathAEADHeaderLenIV  = []byte("VMess Header AEAD Nonce_Length")
	pathAEADHeaderKey    = []byte("VMess Header AEAD Key")
	pathAEADHeaderIV     = []byte("VMess Header AEAD Nonce")
)
