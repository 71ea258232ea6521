// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package vnc implements the client side of the RFB handshake with the
// RSA-AES security types (RA2, RA2ne, RA2_256 and RA2ne_256).
//
// The handshake runs over the buffered streams of package rdr. When an
// all-encrypted RSA-AES type is negotiated the session streams are
// replaced with AES-EAX framed streams, and SecurityResult, ServerInit and
// all later traffic are encrypted.
//
// # Basic Usage
//
//	conn, err := net.Dial("tcp", "localhost:5900")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	verifyCh := make(chan *vnc.VerifyRequest)
//	go func() {
//		for req := range verifyCh {
//			fmt.Printf("%s presents key %s\n", req.Host, req.Fingerprint)
//			req.Accept(false)
//		}
//	}()
//
//	auth, err := vnc.NewRSAAESAuth(vnc.SecurityTypeRA2256,
//		vnc.WithRA2Credentials("alice", "secret"),
//		vnc.WithRA2Verifier(vnc.ChannelVerifier(verifyCh)),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	client, err := vnc.ClientWithOptions(ctx, conn,
//		vnc.WithAuth(auth),
//		vnc.WithConnectTimeout(30*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	in, out := client.In(), client.Out()
//
// # Trust Decisions
//
// The handshake blocks while a FingerprintVerifier decides on the server
// key. ChannelVerifier hands the decision to another goroutine, and
// CachingVerifier with a TrustStore skips the question for keys accepted
// earlier with Accept(true).
//
// # Error Handling
//
//	if vnc.IsVNCError(err, vnc.ErrAuthentication) {
//		log.Printf("Authentication failed: %v", err)
//	}
package vnc
