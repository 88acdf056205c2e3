// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preference modes and tag sets used during server selection.
package readpref

import (
	"errors"
	"time"
)

// Mode indicates the user's preference on reads.
type Mode uint8

// Supported read preference modes.
const (
	_ Mode = iota
	PrimaryMode
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ErrInvalidTagSet is returned when a primary read preference is given tag sets or a max staleness.
var ErrInvalidTagSet = errors.New("a primary read preference can not contain tag sets")

// Tag is a single key/value pair used to filter servers during selection.
type Tag struct {
	Name  string
	Value string
}

// TagSet is an ordered set of tags; a server matches a set iff it carries every tag in it.
type TagSet []Tag

// ReadPref determines which servers are suitable for an operation.
type ReadPref struct {
	mode          Mode
	tagSets       []TagSet
	maxStaleness  time.Duration
	maxStalenessOK bool
}

// Option configures a ReadPref.
type Option func(*ReadPref) error

// WithTagSets sets the tag sets, first-match-wins, used to filter candidate servers.
func WithTagSets(tagSets ...TagSet) Option {
	return func(rp *ReadPref) error {
		rp.tagSets = tagSets
		return nil
	}
}

// WithMaxStaleness sets the maximum replication lag a secondary may have to remain eligible.
func WithMaxStaleness(ms time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = ms
		rp.maxStalenessOK = true
		return nil
	}
}

func newReadPref(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode && (len(rp.tagSets) > 0 || rp.maxStalenessOK) {
		return nil, ErrInvalidTagSet
	}
	return rp, nil
}

// Primary returns a ReadPref that requires the primary.
func Primary() *ReadPref { rp, _ := newReadPref(PrimaryMode); return rp }

// PrimaryPreferred returns a ReadPref preferring the primary, falling back to secondaries.
func PrimaryPreferred(opts ...Option) (*ReadPref, error) { return newReadPref(PrimaryPreferredMode, opts...) }

// Secondary returns a ReadPref requiring a secondary.
func Secondary(opts ...Option) (*ReadPref, error) { return newReadPref(SecondaryMode, opts...) }

// SecondaryPreferred returns a ReadPref preferring a secondary, falling back to the primary.
func SecondaryPreferred(opts ...Option) (*ReadPref, error) { return newReadPref(SecondaryPreferredMode, opts...) }

// Nearest returns a ReadPref selecting from any data-bearing server within the latency window.
func Nearest(opts ...Option) (*ReadPref, error) { return newReadPref(NearestMode, opts...) }

// Mode returns the read preference mode.
func (r *ReadPref) Mode() Mode { return r.mode }

// TagSets returns the configured tag sets.
func (r *ReadPref) TagSets() []TagSet { return r.tagSets }

// MaxStaleness returns the configured max staleness, if any.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) { return r.maxStaleness, r.maxStalenessOK }
