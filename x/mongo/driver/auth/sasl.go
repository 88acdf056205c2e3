// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/operation"
)

// SaslClient is implemented by a single mechanism's conversation state machine: Start produces
// the mechanism name and first client payload, Next responds to each server challenge, and
// Completed reports when the mechanism itself considers the exchange done (used by mechanisms
// like SCRAM that verify a server signature after the server reports success).
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

// runAuthCommand runs a one-shot, non-SASL authentication command (e.g. authenticate for
// MONGODB-X509), sharing operation.RunCommand with ConductSaslConversation.
func runAuthCommand(ctx context.Context, cfg *Config, source string, cmd bsoncore.Document) (bsoncore.Document, error) {
	return operation.RunCommand(ctx, cfg.Conn, source, cmd)
}

// ConductSaslConversation drives a full saslStart/saslContinue loop against source, stopping once
// the server reports done:true and the client's own Completed() (if applicable) agrees.
func ConductSaslConversation(ctx context.Context, cfg *Config, source string, client SaslClient) error {
	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError("unable to start SASL conversation", err)
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "saslStart", 1)
	doc = bsoncore.AppendStringElement(doc, "mechanism", mechanism)
	doc = bsoncore.AppendBinaryElement(doc, "payload", 0x00, payload)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	reply, err := operation.RunCommand(ctx, cfg.Conn, source, doc)
	if err != nil {
		return newAuthError("sasl start failed", err)
	}

	for {
		done, conversationID, challenge, err := parseSaslResponse(reply)
		if err != nil {
			return newAuthError("malformed SASL response", err)
		}
		if done {
			if !client.Completed() {
				return newAuthError("server reported SASL conversation complete before client did", nil)
			}
			return nil
		}

		payload, err = client.Next(challenge)
		if err != nil {
			return newAuthError("unable to continue SASL conversation", err)
		}

		idx, doc := bsoncore.AppendDocumentStart(nil)
		doc = bsoncore.AppendInt32Element(doc, "saslContinue", 1)
		doc = bsoncore.AppendInt32Element(doc, "conversationId", conversationID)
		doc = bsoncore.AppendBinaryElement(doc, "payload", 0x00, payload)
		doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

		reply, err = operation.RunCommand(ctx, cfg.Conn, source, doc)
		if err != nil {
			return newAuthError("sasl continue failed", err)
		}
	}
}

func parseSaslResponse(reply bsoncore.Document) (done bool, conversationID int32, payload []byte, err error) {
	elems, err := reply.Elements()
	if err != nil {
		return false, 0, nil, err
	}
	for _, elem := range elems {
		switch elem.Key() {
		case "done":
			if b, ok := elem.Value().BooleanOK(); ok {
				done = b
			}
		case "conversationId":
			if n, ok := elem.Value().AsInt64OK(); ok {
				conversationID = int32(n)
			}
		case "payload":
			if _, b, ok := elem.Value().BinaryOK(); ok {
				payload = b
			}
		}
	}
	return done, conversationID, payload, nil
}
