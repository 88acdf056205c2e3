// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

// MongoDBX509 is the mechanism name for MONGODB-X509.
const MongoDBX509 = "MONGODB-X509"

func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	return &MongoDBX509Authenticator{user: cred.Username}, nil
}

// MongoDBX509Authenticator authenticates using the client certificate already presented during
// the TLS handshake; the username is optional, since modern servers derive it from the
// certificate's subject DN when omitted.
type MongoDBX509Authenticator struct {
	user string
}

// Auth authenticates the connection.
func (a *MongoDBX509Authenticator) Auth(ctx context.Context, cfg *Config) error {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "authenticate", 1)
	doc = bsoncore.AppendStringElement(doc, "mechanism", MongoDBX509)
	if a.user != "" {
		doc = bsoncore.AppendStringElement(doc, "user", a.user)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	if _, err := runAuthCommand(ctx, cfg, SourceExternal, doc); err != nil {
		return newAuthError("x509 authentication failed", err)
	}
	return nil
}
