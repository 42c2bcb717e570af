// Package protocol defines the fsocks tunnel packets and their wire codec.
//
// A packet is one of six kinds (Hello, HandShake, Request, Reply, Relaying,
// Close), modelled as the closed [Packet] interface. Each packet marshals to
// an inner frame:
//
//	[type u8][payload length u32 BE][payload]
//
// The inner frame is passed through an [obfs.Pipeline] and written as one
// wire unit:
//
//	[sealed length block][wrapped inner frame]
//
// The length block has a fixed size per pipeline and is itself encrypted, so
// neither frame boundaries nor the packet type or payload length is visible
// on the wire. The frame format is fixed; only the pipeline parameters are
// negotiated.
package protocol
