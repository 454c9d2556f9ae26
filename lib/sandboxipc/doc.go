// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandboxipc connects the controller to one sandbox worker.
//
// Each worker gets a private [Endpoint] made of two sockets:
//
//   - A message [Channel]: a byte stream carrying frames of a 4-byte
//     big-endian length followed by a deterministic-CBOR [Frame]. The
//     framing never depends on the socket preserving boundaries.
//   - A [DescriptorChannel]: a socket used only to pass file
//     descriptors with SCM_RIGHTS, each tagged with a region ID. The
//     controller materializes a canister's heap into shared memory
//     ([CreateSharedMemory]) and hands the worker the descriptor, so
//     heap content never travels through the message channel.
//
// [NewPair] creates both socket pairs and returns the controller's
// endpoint plus the two files the child inherits as fds 3 and 4;
// [InheritedEndpoint] rebuilds the endpoint inside the worker.
//
// Protocol: the controller sends an execute frame, then the worker may
// send any number of system-call frames, each answered by a
// system-call-reply with the same ID, and finishes with one reply
// frame carrying the execute frame's ID. Only one execution is in
// flight per endpoint.
//
// Every read or write failure caused by the peer going away is
// reported as [ErrDisconnected], which callers can tell apart from any
// well-formed frame.
package sandboxipc
