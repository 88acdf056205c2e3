// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"

	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
)

// Error labels recognized by higher layers.
const (
	NetworkErrorLabel                    = "NetworkError"
	RetryableWriteErrorLabel              = "RetryableWriteError"
	TransientTransactionErrorLabel        = "TransientTransactionError"
	UnknownTransactionCommitResultLabel   = "UnknownTransactionCommitResult"
)

var (
	// ErrNoDocCommandResponse occurs when the server indicated a response existed, but none was found.
	ErrNoDocCommandResponse = errors.New("command returned no documents")
	// ErrMultiDocCommandResponse occurs when the server sent multiple documents in response to a command.
	ErrMultiDocCommandResponse = errors.New("command returned multiple documents")
	// ErrDocumentTooLarge occurs when a document larger than the server's max is passed to an insert.
	ErrDocumentTooLarge = errors.New("an inserted document is too large")
)

// server reply codes that indicate a replica-set state transition.
const (
	codeNotWritablePrimary            = 10107
	codeNotPrimaryNoSecondaryOK       = 13435
	codeNotPrimaryOrSecondary         = 13436
	codeInterruptedAtShutdown         = 11600
	codeInterruptedDueToReplStateChange = 11602
	codePrimarySteppedDown            = 189
	codeShutdownInProgress            = 91
	codeNodeIsRecovering              = 11600
)

var notPrimaryCodes = map[int32]bool{
	codeNotWritablePrimary:      true,
	codeNotPrimaryNoSecondaryOK: true,
	codeNotPrimaryOrSecondary:   true,
	codePrimarySteppedDown:      true,
}

var nodeIsRecoveringCodes = map[int32]bool{
	codeInterruptedAtShutdown:           true,
	codeInterruptedDueToReplStateChange: true,
}

var nodeIsShuttingDownCodes = map[int32]bool{
	codeShutdownInProgress:    true,
	codeInterruptedAtShutdown: true,
}

// Error represents a command-level error: the server replied {ok: 0, code, errmsg}, or an operation never reached the server at all.
type Error struct {
	Code            int32
	Message         string
	Labels          []string
	Name            string
	Wrapped         error
	TopologyVersion *description.TopologyVersion
	Raw             bsoncore.Document
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As against a wrapped network error.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel reports whether label is present on this error.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether this error represents a connection-level failure rather than a
// server-returned command error.
func (e Error) NetworkError() bool { return e.HasErrorLabel(NetworkErrorLabel) }

// NotMaster reports whether the server replied with a "not primary" family code.
func (e Error) NotMaster() bool { return notPrimaryCodes[e.Code] }

// NodeIsRecovering reports whether the server replied with a "node is recovering" family code.
func (e Error) NodeIsRecovering() bool { return nodeIsRecoveringCodes[e.Code] }

// NodeIsShuttingDown reports whether the server replied with a shutdown-in-progress code.
func (e Error) NodeIsShuttingDown() bool { return nodeIsShuttingDownCodes[e.Code] }

// Retryable reports whether this error qualifies for the one-shot command retry: a network error,
// or one of the state-change codes that indicate the command never committed.
func (e Error) Retryable() bool {
	return e.NetworkError() || e.NotMaster() || e.NodeIsRecovering()
}

// WriteError represents a single error embedded in an otherwise-OK write command reply.
type WriteError struct {
	Index   int32
	Code    int32
	Message string
	Raw     bsoncore.Document
}

func (we WriteError) Error() string { return we.Message }

// WriteConcernError represents the writeConcernError subdocument of a write command reply.
type WriteConcernError struct {
	Name            string
	Code            int32
	Message         string
	Details         bsoncore.Document
	Labels          []string
	TopologyVersion *description.TopologyVersion
}

func (wce WriteConcernError) Error() string { return wce.Message }

// HasErrorLabel reports whether label is present on this write concern error.
func (wce WriteConcernError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NotMaster reports whether the write concern error reflects a primary stepdown.
func (wce WriteConcernError) NotMaster() bool { return notPrimaryCodes[wce.Code] }

// NodeIsRecovering reports whether the write concern error reflects a recovering node.
func (wce WriteConcernError) NodeIsRecovering() bool { return nodeIsRecoveringCodes[wce.Code] }

// NodeIsShuttingDown reports whether the write concern error reflects a shutting-down node.
func (wce WriteConcernError) NodeIsShuttingDown() bool { return nodeIsShuttingDownCodes[wce.Code] }

// WriteCommandError aggregates the per-document write errors and optional write concern error
// returned by an insert/update/delete command.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
	Raw               bsoncore.Document
}

func (wce WriteCommandError) Error() string {
	switch {
	case wce.WriteConcernError != nil && len(wce.WriteErrors) > 0:
		return fmt.Sprintf("write concern error: %s; write errors: %v", wce.WriteConcernError.Message, wce.WriteErrors)
	case wce.WriteConcernError != nil:
		return wce.WriteConcernError.Error()
	case len(wce.WriteErrors) > 0:
		return fmt.Sprintf("write errors: %v", wce.WriteErrors)
	default:
		return "write command error"
	}
}

// HasErrorLabel reports whether label is present on this aggregate error.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IncompatibleServerError is returned by server selection when no candidate server's wire
// version range overlaps this driver's supported range.
type IncompatibleServerError struct {
	Message string
}

func (e IncompatibleServerError) Error() string { return e.Message }

// SelectionTimeoutError is returned when no suitable server is found within
// serverSelectionTimeoutMS.
type SelectionTimeoutError struct {
	Wrapped error
}

func (e SelectionTimeoutError) Error() string {
	return fmt.Sprintf("server selection timeout: %s", e.Wrapped)
}

func (e SelectionTimeoutError) Unwrap() error { return e.Wrapped }
