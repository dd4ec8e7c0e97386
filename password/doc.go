// Package password provides argon2id hashing with PHC-formatted encoding.
//
// Verify re-derives the key with the parameters embedded in the stored
// string, so parameter upgrades roll out without invalidating existing
// hashes. Comparison is constant time.
package password
