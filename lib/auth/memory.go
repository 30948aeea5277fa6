// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-memory CredentialStore.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]Credentials
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]Credentials)}
}

// SetPassword stores digests of password for every supported
// algorithm.
func (m *MemoryStore) SetPassword(user, password string, roles ...string) {
	digests := make(map[Algorithm][]byte)
	for _, algorithm := range Algorithms() {
		digest, _ := PasswordDigest(algorithm, user, password)
		digests[algorithm] = digest
	}
	m.Put(Credentials{User: user, Digests: digests, Roles: roles})
}

// Put stores credentials, replacing any for the same user.
func (m *MemoryStore) Put(credentials Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[credentials.User] = credentials
}

func (m *MemoryStore) Lookup(_ context.Context, user string) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credentials, ok := m.users[user]
	if !ok {
		return Credentials{}, ErrUnknownUser
	}
	credentials.Digests = maps.Clone(credentials.Digests)
	credentials.Roles = slices.Clone(credentials.Roles)
	return credentials, nil
}
