/*
Package frame turns a byte stream into a sequence of encrypted, authenticated frames and back.

A connection starts with a cleartext hello from each side: the magic "PRCD", a version byte, and a 16-byte random nonce.
Both sides then expand the pre-shared 64-bit key with HKDF-SHA256, salted with the two nonces, into one
ChaCha20-Poly1305 key per direction. Every frame after that is

	[4-byte big-endian length][ciphertext][16-byte tag]

where the length covers ciphertext and tag, and is authenticated as additional data. Each direction numbers its
frames with a 64-bit counter that is used as the AEAD nonce, so dropped, replayed or reordered frames fail the
integrity check just like corrupted ones.

Decoder never blocks: it reports ErrNeedMoreData until a whole frame is buffered and ErrCorruptFrame, permanently,
once a frame fails to open.
*/
package frame
