// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package credentials

import "errors"

// StaticProvider wraps a Value that never expires, used when the username/password/session token
// come directly from the connection string's MONGODB-AWS properties instead of a metadata
// endpoint.
type StaticProvider struct {
	Value Value
}

// Retrieve returns the wrapped Value, or an error if it has no keys set.
func (p *StaticProvider) Retrieve() (Value, error) {
	if !p.Value.HasKeys() {
		return Value{}, errors.New("static AWS credentials have no keys set")
	}
	return p.Value, nil
}

// IsExpired always reports false: static credentials never need refreshing.
func (p *StaticProvider) IsExpired() bool { return false }

// ChainCredentials tries each Provider in order, returning the first one that yields non-expired,
// non-error credentials — the same "environment, then role, then metadata" fallback AWS SDKs use.
type ChainCredentials struct {
	Providers []Provider
	active    Provider
}

// NewChainCredentials builds a Credentials backed by a ChainCredentials over providers.
func NewChainCredentials(providers []Provider) *Credentials {
	return NewCredentials(&ChainCredentials{Providers: providers})
}

// Retrieve returns the first provider's credentials that do not error.
func (c *ChainCredentials) Retrieve() (Value, error) {
	var lastErr error
	for _, p := range c.Providers {
		v, err := p.Retrieve()
		if err != nil {
			lastErr = err
			continue
		}
		c.active = p
		return v, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no AWS credential providers configured")
	}
	return Value{}, lastErr
}

// IsExpired defers to whichever provider last succeeded, or reports expired if none has.
func (c *ChainCredentials) IsExpired() bool {
	if c.active == nil {
		return true
	}
	return c.active.IsExpired()
}
