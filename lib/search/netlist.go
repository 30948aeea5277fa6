// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/jsonc"

	"github.com/dcphub/dcphub/lib/dcp"
)

// ErrUnknownList is returned by a ListResolver for a name it does not
// know.
var ErrUnknownList = errors.New("search: unknown network list")

// ListResolver expands a network list name into a set of addresses.
// The returned bitmap must not be modified by the caller.
type ListResolver interface {
	Resolve(name string) (*roaring.Bitmap, error)
}

// NetworkList is the on-disk form of a named address list, stored as
// JSONC (JSON with comments and trailing commas).
type NetworkList struct {
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses"`
}

// ParseNetworkList strips JSONC syntax from data and decodes the list
// into an address bitmap.
func ParseNetworkList(data []byte) (*roaring.Bitmap, error) {
	var list NetworkList
	if err := json.Unmarshal(jsonc.ToJSON(data), &list); err != nil {
		return nil, fmt.Errorf("parsing network list: %w", err)
	}
	addresses := roaring.New()
	for _, text := range list.Addresses {
		address, err := dcp.ParseAddress(strings.ToUpper(strings.TrimSpace(text)))
		if err != nil {
			return nil, err
		}
		addresses.Add(uint32(address))
	}
	addresses.RunOptimize()
	return addresses, nil
}

// DirectoryLists resolves list names to files in a directory: the
// name "goes-east" is read from goes-east.jsonc, falling back to
// goes-east.json. Files are read on every Resolve, so edits take
// effect on the subscriber's next criteria.
type DirectoryLists struct {
	Dir string
}

func (d DirectoryLists) Resolve(name string) (*roaring.Bitmap, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	for _, extension := range []string{".jsonc", ".json"} {
		path := filepath.Join(d.Dir, name+extension)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		list, err := ParseNetworkList(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return list, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
}

// StaticLists is an in-memory ListResolver.
type StaticLists map[string]*roaring.Bitmap

func (s StaticLists) Resolve(name string) (*roaring.Bitmap, error) {
	list, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	return list, nil
}
