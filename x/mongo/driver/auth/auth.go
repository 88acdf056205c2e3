// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the SASL-family authentication mechanisms a connection handshakes with
// before it is handed to the pool: SCRAM-SHA-1, SCRAM-SHA-256, MONGODB-X509, PLAIN, MONGODB-AWS,
// and GSSAPI. GSSAPI is present only as a stub, built when the "gssapi" build tag is absent: it
// recognizes the mechanism name and fails authentication with a clear error. No file in this
// package implements GSSAPI under that tag.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
)

// SourceExternal is the $external auth source used by X509, PLAIN, and AWS.
const SourceExternal = "$external"

// Cred holds the credentials and mechanism properties needed to construct an Authenticator,
// mirroring the subset of a connection string's auth component every mechanism reads from.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string
}

// Config carries everything an Authenticator needs to run its SASL conversation over a
// connection: the command runner, the selected server's description, and an optional HTTP client
// for mechanisms that fetch credentials from a metadata endpoint (MONGODB-AWS).
type Config struct {
	Description description.Server
	Conn        CommandRunner
	HTTPClient  *http.Client
}

// CommandRunner is the minimal surface Auth needs to issue saslStart/saslContinue/authenticate
// commands — satisfied by operation.RunCommand's conn argument.
type CommandRunner interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error)
}

// Authenticator handles authenticating a connection.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, cfg *Config) error
}

type authError struct {
	msg    string
	inner  error
}

func newAuthError(msg string, inner error) error { return &authError{msg: msg, inner: inner} }

func (e *authError) Error() string {
	if e.inner == nil {
		return fmt.Sprintf("auth error: %s", e.msg)
	}
	return fmt.Sprintf("auth error: %s: %v", e.msg, e.inner)
}

func (e *authError) Unwrap() error { return e.inner }

// CreateAuthenticator constructs the Authenticator for mechanism, validating cred against each
// mechanism's source/property requirements.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case SCRAMSHA1, SCRAMSHA256, "":
		return newScramAuthenticator(mechanism, cred)
	case MongoDBX509:
		return newMongoDBX509Authenticator(cred)
	case MongoDBAWS:
		return newMongoDBAWSAuthenticator(cred)
	case PLAIN:
		return newPlainAuthenticator(cred)
	case GSSAPI:
		return newGSSAPIAuthenticator(cred)
	default:
		return nil, newAuthError(fmt.Sprintf("unknown authentication mechanism %q", mechanism), nil)
	}
}
