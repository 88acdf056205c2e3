// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/auth/internal/aws/credentials"
)

const awsSigningAlgorithm = "AWS4-HMAC-SHA256"
const awsServiceName = "sts"

// awsConversation drives the two-message MONGODB-AWS SASL exchange: a client nonce, a server
// nonce plus STS host, and a SigV4-signed STS GetCallerIdentity request the server replays to AWS
// to verify the caller's identity.
type awsConversation struct {
	credentials *credentials.Credentials
	clientNonce []byte
	step        int
}

func (c *awsConversation) Step(challenge []byte) ([]byte, error) {
	c.step++
	switch c.step {
	case 1:
		return c.firstMessage()
	case 2:
		return c.secondMessage(challenge)
	default:
		return nil, errors.New("too many steps in MONGODB-AWS conversation")
	}
}

func (c *awsConversation) Done() bool { return c.step >= 2 }

func (c *awsConversation) firstMessage() ([]byte, error) {
	c.clientNonce = make([]byte, 32)
	if _, err := rand.Read(c.clientNonce); err != nil {
		return nil, fmt.Errorf("unable to generate client nonce: %w", err)
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendBinaryElement(doc, "r", 0x00, c.clientNonce)
	doc = bsoncore.AppendInt32Element(doc, "p", int32('n'))
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}

func (c *awsConversation) secondMessage(challenge []byte) ([]byte, error) {
	reply, err := bsoncore.Document(challenge).Elements()
	if err != nil {
		return nil, fmt.Errorf("malformed server nonce message: %w", err)
	}
	var serverNonce []byte
	var host string
	for _, elem := range reply {
		switch elem.Key() {
		case "s":
			if _, b, ok := elem.Value().BinaryOK(); ok {
				serverNonce = b
			}
		case "h":
			if s, ok := elem.Value().StringValueOK(); ok {
				host = s
			}
		}
	}
	if len(serverNonce) != 64 || host == "" {
		return nil, errors.New("server nonce message missing s or h")
	}

	creds, err := c.credentials.Get()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve AWS credentials: %w", err)
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	canonicalHeaders := fmt.Sprintf(
		"content-length:43\ncontent-type:application/x-www-form-urlencoded\nhost:%s\nx-amz-date:%s\nx-mongodb-gs2-cb-flag:n\nx-mongodb-server-nonce:%s\n",
		host, amzDate, base64.StdEncoding.EncodeToString(serverNonce),
	)
	signedHeaders := "content-length;content-type;host;x-amz-date;x-mongodb-gs2-cb-flag;x-mongodb-server-nonce"
	if creds.SessionToken != "" {
		canonicalHeaders = fmt.Sprintf(
			"content-length:43\ncontent-type:application/x-www-form-urlencoded\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\nx-mongodb-gs2-cb-flag:n\nx-mongodb-server-nonce:%s\n",
			host, amzDate, creds.SessionToken, base64.StdEncoding.EncodeToString(serverNonce),
		)
		signedHeaders = "content-length;content-type;host;x-amz-date;x-amz-security-token;x-mongodb-gs2-cb-flag;x-mongodb-server-nonce"
	}

	const body = "Action=GetCallerIdentity&Version=2011-06-15"
	canonicalRequest := fmt.Sprintf("POST\n/\n\n%s\n%s\n%s", canonicalHeaders, signedHeaders, hashHex(body))

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, "us-east-1", awsServiceName)
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s", awsSigningAlgorithm, amzDate, credentialScope, hashHex(canonicalRequest))

	signingKey := awsSigningKey(creds.SecretAccessKey, dateStamp, "us-east-1", awsServiceName)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		awsSigningAlgorithm, creds.AccessKeyID, credentialScope, signedHeaders, signature)

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendStringElement(doc, "a", authHeader)
	doc = bsoncore.AppendStringElement(doc, "d", amzDate)
	if creds.SessionToken != "" {
		doc = bsoncore.AppendStringElement(doc, "t", creds.SessionToken)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func awsSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

