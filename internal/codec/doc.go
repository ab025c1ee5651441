// Package codec is the CBOR encoding shared by transport frames and the
// bolt conversation store. Encoding is deterministic (RFC 8949 core
// deterministic rules) so equal values produce equal bytes; decoding
// ignores unknown fields.
package codec
