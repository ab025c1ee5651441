// Package x3dh implements the X3DH key agreement used to bootstrap a Double
// Ratchet session between two parties.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte root key with a responder who
// has published a pre-key bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - An optional one-time pre-key (X25519)
//
// # Flows
//
// Initiator:
//  1. Validate the bundle and verify the signed pre-key signature.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF-SHA256 over the concatenated DH transcript to produce the root key.
//  5. Return the root key and the PreKeyMessage the responder needs.
//
// Responder:
//  1. Receive the PreKeyMessage (initiator IK, ephemeral EK, SPK id[, OPK id]).
//  2. Look up the SPK and the OPK private halves.
//  3. Compute the mirrored DH set and HKDF the same transcript.
//
// # Errors
//
// Every bundle problem wraps domain.ErrInvalidBundle. Low-order points are
// rejected by crypto.DH.
package x3dh
