// Package contracts provides the payload and routing types shared by every layer of mmate-rpc.
//
// This package defines:
//   - Payload: the pre-decoded structured value carried by requests and replies
//   - Options: reply-routing metadata (correlation id, reply-to pattern, headers)
//   - Envelope: the logical wire shape of an RPC message
//   - The error codec that lets a failure raised inside a remote handler cross
//     the transport and come back as an error on the caller side
//
// All types are JSON serializable so transports can put them on the wire as-is.
package contracts
