// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	driver "go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/wiremessage/wiremessagex"
)

// RunCommand runs a single administrative command (e.g. a SASL saslStart/saslContinue exchange
// during authentication) against an already-dialed, not-yet-authenticated connection. It is the
// exported entry point the auth package uses, since authentication happens before a Connection is
// handed to the generic Command machinery.
func RunCommand(ctx context.Context, conn wireReadWriter, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = append(dst, cmd[4:len(cmd)-1]...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return roundTrip(ctx, conn, dst)
}

// roundTrip writes cmd as an OP_MSG kind-0 section and reads back the single-document reply,
// returning a driver.Error if the server replied {ok: 0, ...}.
func roundTrip(ctx context.Context, conn wireReadWriter, cmd bsoncore.Document) (bsoncore.Document, error) {
	idx, wm := wiremessagex.AppendHeaderStart(nil, wiremessage.NextRequestID(), 0, wiremessage.OpMsg)
	wm = wiremessagex.AppendMsgFlags(wm, 0)
	wm = wiremessagex.AppendMsgSectionType(wm, wiremessage.SingleDocument)
	wm = wiremessagex.AppendMsgSectionSingleDocument(wm, cmd)
	wm = wiremessagex.UpdateMessageLength(wm, idx)

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	reply, err := conn.ReadWireMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	return decodeReply(reply)
}

func decodeReply(wm []byte) (bsoncore.Document, error) {
	wmLen := len(wm)
	_, _, _, opcode, rest, ok := wiremessagex.ReadHeader(wm)
	if !ok {
		return nil, errors.New("malformed wire message: truncated header")
	}
	rest = rest[:wmLen-16]

	switch opcode {
	case wiremessage.OpReply:
		var flags wiremessage.ReplyFlag
		flags, rest, ok = wiremessagex.ReadReplyFlags(rest)
		if !ok {
			return nil, errors.New("malformed OP_REPLY: missing flags")
		}
		_, rest, ok = wiremessagex.ReadReplyCursorID(rest)
		if !ok {
			return nil, errors.New("malformed OP_REPLY: missing cursorID")
		}
		_, rest, ok = wiremessagex.ReadReplyStartingFrom(rest)
		if !ok {
			return nil, errors.New("malformed OP_REPLY: missing startingFrom")
		}
		var numReturned int32
		numReturned, rest, ok = wiremessagex.ReadReplyNumberReturned(rest)
		if !ok {
			return nil, errors.New("malformed OP_REPLY: missing numberReturned")
		}
		if numReturned == 0 {
			return nil, driver.ErrNoDocCommandResponse
		}
		if numReturned > 1 {
			return nil, driver.ErrMultiDocCommandResponse
		}
		res, rem, ok := wiremessagex.ReadReplyDocument(rest)
		if !ok || len(rem) > 0 {
			return nil, errors.New("malformed OP_REPLY: numberReturned does not match documents returned")
		}
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("malformed OP_REPLY document: %w", err)
		}
		if flags&wiremessage.QueryFailure != 0 {
			return nil, fmt.Errorf("command failure: %s", res)
		}
		return res, extractError(res)
	case wiremessage.OpMsg:
		_, rest, ok = wiremessagex.ReadMsgFlags(rest)
		if !ok {
			return nil, errors.New("malformed OP_MSG: missing flagBits")
		}
		var res bsoncore.Document
		for len(rest) > 0 {
			var stype wiremessage.SectionType
			stype, rest, ok = wiremessagex.ReadMsgSectionType(rest)
			if !ok {
				return nil, errors.New("malformed OP_MSG: missing section type")
			}
			switch stype {
			case wiremessage.SingleDocument:
				res, rest, ok = wiremessagex.ReadMsgSectionSingleDocument(rest)
				if !ok {
					return nil, errors.New("malformed OP_MSG: truncated kind-0 section")
				}
			case wiremessage.DocumentSequence:
				_, _, rest, ok = wiremessagex.ReadMsgSectionDocumentSequence(rest)
				if !ok {
					return nil, errors.New("malformed OP_MSG: truncated kind-1 section")
				}
			default:
				return nil, fmt.Errorf("malformed OP_MSG: unknown section type %v", stype)
			}
		}
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("malformed OP_MSG reply document: %w", err)
		}
		return res, extractError(res)
	default:
		return nil, fmt.Errorf("cannot decode result from opcode %s", opcode)
	}
}

// extractError converts a command reply with {ok: 0} (or an embedded writeErrors /
// writeConcernError) into the appropriate driver error type.
func extractError(reply bsoncore.Document) error {
	var ok bool
	var errmsg, codeName string
	var code int32
	var labels []string
	var wcErr driver.WriteCommandError

	elems, err := reply.Elements()
	if err != nil {
		return err
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			if n, isOK := elem.Value().AsInt64OK(); isOK && n != 0 {
				ok = true
			} else if f, isOK := elem.Value().DoubleOK(); isOK && f != 0 {
				ok = true
			}
		case "errmsg":
			if s, isOK := elem.Value().StringValueOK(); isOK {
				errmsg = s
			}
		case "codeName":
			if s, isOK := elem.Value().StringValueOK(); isOK {
				codeName = s
			}
		case "code":
			if n, isOK := elem.Value().AsInt64OK(); isOK {
				code = int32(n)
			}
		case "errorLabels":
			if arr, isOK := elem.Value().ArrayOK(); isOK {
				if values, verr := arr.Values(); verr == nil {
					for _, v := range values {
						if s, isOK := v.StringValueOK(); isOK {
							labels = append(labels, s)
						}
					}
				}
			}
		case "writeErrors":
			arr, isOK := elem.Value().ArrayOK()
			if !isOK {
				continue
			}
			values, verr := arr.Values()
			if verr != nil {
				continue
			}
			for _, v := range values {
				doc, isOK := v.DocumentOK()
				if !isOK {
					continue
				}
				var we driver.WriteError
				if n, isOK := doc.Lookup("index").AsInt64OK(); isOK {
					we.Index = int32(n)
				}
				if n, isOK := doc.Lookup("code").AsInt64OK(); isOK {
					we.Code = int32(n)
				}
				if s, isOK := doc.Lookup("errmsg").StringValueOK(); isOK {
					we.Message = s
				}
				we.Raw = doc
				wcErr.WriteErrors = append(wcErr.WriteErrors, we)
			}
		case "writeConcernError":
			doc, isOK := elem.Value().DocumentOK()
			if !isOK {
				continue
			}
			wce := &driver.WriteConcernError{}
			if n, isOK := doc.Lookup("code").AsInt64OK(); isOK {
				wce.Code = int32(n)
			}
			if s, isOK := doc.Lookup("codeName").StringValueOK(); isOK {
				wce.Name = s
			}
			if s, isOK := doc.Lookup("errmsg").StringValueOK(); isOK {
				wce.Message = s
			}
			if info, isOK := doc.Lookup("errInfo").DocumentOK(); isOK {
				wce.Details = info
			}
			wcErr.WriteConcernError = wce
		}
	}

	if !ok {
		if errmsg == "" && code == 0 {
			return nil
		}
		return driver.Error{
			Code:    code,
			Message: errmsg,
			Name:    codeName,
			Labels:  labels,
			Raw:     reply,
		}
	}

	if len(wcErr.WriteErrors) > 0 || wcErr.WriteConcernError != nil {
		wcErr.Labels = labels
		wcErr.Raw = reply
		return wcErr
	}

	return nil
}
