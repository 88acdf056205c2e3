// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "context"

// PLAIN is the mechanism name for PLAIN (LDAP proxy authentication).
const PLAIN = "PLAIN"

func newPlainAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Username == "" {
		return nil, newAuthError("username required for PLAIN authentication", nil)
	}
	return &PlainAuthenticator{source: cred.Source, user: cred.Username, password: cred.Password}, nil
}

// PlainAuthenticator authenticates via SASL PLAIN (RFC 4616), a single round trip carrying the
// username and password verbatim — only safe over an already-encrypted (TLS) connection.
type PlainAuthenticator struct {
	source   string
	user     string
	password string
}

// Auth authenticates the connection.
func (a *PlainAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	source := a.source
	if source == "" {
		source = SourceExternal
	}
	adapter := &plainSaslAdapter{user: a.user, password: a.password, done: false}
	if err := ConductSaslConversation(ctx, cfg, source, adapter); err != nil {
		return newAuthError("PLAIN authentication failed", err)
	}
	return nil
}

type plainSaslAdapter struct {
	user     string
	password string
	done     bool
}

var _ SaslClient = (*plainSaslAdapter)(nil)

func (a *plainSaslAdapter) Start() (string, []byte, error) {
	payload := []byte("\x00" + a.user + "\x00" + a.password)
	a.done = true
	return PLAIN, payload, nil
}

func (a *plainSaslAdapter) Next(challenge []byte) ([]byte, error) { return nil, nil }

func (a *plainSaslAdapter) Completed() bool { return a.done }
