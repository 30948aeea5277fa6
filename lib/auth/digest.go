// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/sha3"
)

// Algorithm names a hash function usable for digests and
// authenticators.
type Algorithm string

const (
	// SHA1 is accepted for legacy clients only.
	SHA1 Algorithm = "sha1"

	SHA256 Algorithm = "sha256"

	SHA3_256 Algorithm = "sha3-256"
)

// Algorithms lists every supported algorithm, strongest first.
func Algorithms() []Algorithm {
	return []Algorithm{SHA3_256, SHA256, SHA1}
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	algorithm := Algorithm(name)
	if _, err := algorithm.newHash(); err != nil {
		return "", err
	}
	return algorithm, nil
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", string(a))
	}
}

// PasswordDigest returns H(user || password || user || password).
func PasswordDigest(algorithm Algorithm, user, password string) ([]byte, error) {
	h, err := algorithm.newHash()
	if err != nil {
		return nil, err
	}
	for range 2 {
		h.Write([]byte(user))
		h.Write([]byte(password))
	}
	return h.Sum(nil), nil
}

// Authenticator returns H((user || passwordDigest || BE32(unixTime))
// repeated twice). The time is truncated to 32 bits.
func Authenticator(algorithm Algorithm, user string, passwordDigest []byte, unixTime int64) ([]byte, error) {
	h, err := algorithm.newHash()
	if err != nil {
		return nil, err
	}
	var timeBytes [4]byte
	binary.BigEndian.PutUint32(timeBytes[:], uint32(unixTime))
	for range 2 {
		h.Write([]byte(user))
		h.Write(passwordDigest)
		h.Write(timeBytes[:])
	}
	return h.Sum(nil), nil
}

// Sign computes the client side of the handshake: the Unix time to
// send and the authenticator over it.
func Sign(algorithm Algorithm, user, password string, now time.Time) (int64, []byte, error) {
	digest, err := PasswordDigest(algorithm, user, password)
	if err != nil {
		return 0, nil, err
	}
	unixTime := now.Unix()
	authenticator, err := Authenticator(algorithm, user, digest, unixTime)
	if err != nil {
		return 0, nil, err
	}
	return unixTime, authenticator, nil
}
