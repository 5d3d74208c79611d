// Package password implements memory-hard password hashing with argon2id and
// the portal's password policy.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification reads the cost parameters from the stored hash, so raising
// the configured cost does not invalidate existing hashes; [Argon2.NeedsUpgrade]
// reports when a rehash is due.
//
// This package never stores or logs passwords.
package password
