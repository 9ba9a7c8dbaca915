// Package password hashes and verifies principal credentials with Argon2id.
//
// Encoded hashes use the PHC string format:
//
//	$argon2id$v=19$m=<KiB>,t=<iterations>,p=<parallelism>$<salt>$<key>
//
// Stored hashes are treated as untrusted input on Verify: the encoding is
// parsed strictly and parameters far above the configured cost are refused.
package password
