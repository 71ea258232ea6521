// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FingerprintVerifier decides whether a server's RSA key is trusted. The
// RSA-AES handshake blocks in VerifyServer until a decision is made.
type FingerprintVerifier interface {
	VerifyServer(ctx context.Context, req *VerifyRequest) (bool, error)
}

// VerifierFunc adapts a function to FingerprintVerifier.
type VerifierFunc func(ctx context.Context, req *VerifyRequest) (bool, error)

// VerifyServer calls f.
func (f VerifierFunc) VerifyServer(ctx context.Context, req *VerifyRequest) (bool, error) {
	return f(ctx, req)
}

// VerifyRequest describes a server key awaiting a trust decision.
type VerifyRequest struct {
	Host         string
	Fingerprint  string
	KeyBits      int
	SecurityType uint8

	// Remember is set when the key was accepted with a request to remember
	// the decision.
	Remember bool

	once  sync.Once
	reply chan verifyReply
}

type verifyReply struct {
	accepted bool
	remember bool
}

func (r *VerifyRequest) respond(v verifyReply) {
	r.once.Do(func() {
		if r.reply != nil {
			r.reply <- v
		}
	})
}

// Accept trusts the key. Only the first Accept or Reject takes effect.
func (r *VerifyRequest) Accept(remember bool) {
	r.respond(verifyReply{accepted: true, remember: remember})
}

// Reject refuses the key. Only the first Accept or Reject takes effect.
func (r *VerifyRequest) Reject() {
	r.respond(verifyReply{})
}

// ChannelVerifier hands each request to another goroutine over ch and
// waits for it to call Accept or Reject.
type ChannelVerifier chan<- *VerifyRequest

// VerifyServer sends req on the channel and blocks until a reply arrives
// or ctx is done.
func (ch ChannelVerifier) VerifyServer(ctx context.Context, req *VerifyRequest) (bool, error) {
	req.reply = make(chan verifyReply, 1)

	select {
	case ch <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case v := <-req.reply:
		req.Remember = v.remember
		return v.accepted, nil
	case <-ctx.Done():
		req.Reject()
		return false, ctx.Err()
	}
}

// DefaultTrustStoreSize bounds a TrustStore created with a non-positive size.
const DefaultTrustStoreSize = 256

// TrustStore remembers accepted fingerprints per host, evicting the least
// recently used host when full.
type TrustStore struct {
	cache *lru.Cache[string, string]
}

// NewTrustStore returns a TrustStore holding up to size hosts.
func NewTrustStore(size int) (*TrustStore, error) {
	if size <= 0 {
		size = DefaultTrustStoreSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, configurationError("NewTrustStore", "failed to create trust cache", err)
	}
	return &TrustStore{cache: cache}, nil
}

// Trust records fingerprint as the accepted key for host.
func (s *TrustStore) Trust(host, fingerprint string) {
	s.cache.Add(host, fingerprint)
}

// Lookup returns the fingerprint recorded for host.
func (s *TrustStore) Lookup(host string) (string, bool) {
	return s.cache.Get(host)
}

// Forget drops host from the store.
func (s *TrustStore) Forget(host string) {
	s.cache.Remove(host)
}

// Len returns the number of hosts remembered.
func (s *TrustStore) Len() int {
	return s.cache.Len()
}

// CachingVerifier accepts keys already recorded in Store and asks Next for
// everything else. A changed fingerprint for a known host is always asked.
type CachingVerifier struct {
	Store *TrustStore
	Next  FingerprintVerifier
}

// VerifyServer implements FingerprintVerifier.
func (v *CachingVerifier) VerifyServer(ctx context.Context, req *VerifyRequest) (bool, error) {
	if known, ok := v.Store.Lookup(req.Host); ok && known == req.Fingerprint {
		return true, nil
	}

	accepted, err := v.Next.VerifyServer(ctx, req)
	if err != nil || !accepted {
		return false, err
	}
	if req.Remember {
		v.Store.Trust(req.Host, req.Fingerprint)
	}
	return true, nil
}
