// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo is a thin CRUD-facing client built directly on top of the driver's topology,
// operation, and session layers. It carries no query-language semantics of its own: filters,
// updates, and results all pass through as raw BSON documents.
package mongo

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.nebuladb.io/nebula-go-driver/address"
	"go.nebuladb.io/nebula-go-driver/event"
	"go.nebuladb.io/nebula-go-driver/readpref"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/auth"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/description"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/session"
	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/topology"
)

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

const defaultSessionTimeoutMinutes = 30

// ErrClientDisconnected is returned by any Client method called after Disconnect.
var ErrClientDisconnected = errors.New("mongo: client is disconnected")

// Client is a handle to a pool of connections to a deployment, the entry point for every
// operation this package exposes.
type Client struct {
	deployment *topology.Cluster
	clock      *session.ClusterClock
	sessionPool *session.Pool
	readPref   *readpref.ReadPref
	disconnected bool
}

// ClientOptions configures Connect. Zero value connects to localhost:27017.
type ClientOptions struct {
	URI        string
	AppName    string
	HTTPClient *http.Client // used only for MONGODB-AWS metadata-endpoint credential lookups
	Monitor    *event.Monitoring
	ReadPref   *readpref.ReadPref
}

// Connect parses uri, builds the underlying topology.Cluster, and starts its background
// monitoring goroutines. opts.Monitor must be supplied up front: a monitor installed after
// Connect would miss the initial TopologyOpening/ServerOpening burst.
func Connect(ctx context.Context, opts ClientOptions) (*Client, error) {
	cs, err := parseURI(opts.URI)
	if err != nil {
		return nil, err
	}

	topoOpts := []topology.Option{
		topology.WithSeedList(cs.hosts...),
		topology.WithURI(opts.URI),
	}
	if cs.replicaSet != "" {
		topoOpts = append(topoOpts, topology.WithReplicaSetName(cs.replicaSet))
	}
	if cs.directConnection {
		topoOpts = append(topoOpts, topology.WithTopologyMode(description.Single))
	}
	if opts.Monitor != nil {
		topoOpts = append(topoOpts, topology.WithTopologyMonitor(event.NewDispatcher(opts.Monitor)))
	}

	var serverOpts []topology.ServerOption
	if opts.Monitor != nil {
		serverOpts = append(serverOpts, topology.WithServerMonitor(event.NewDispatcher(opts.Monitor)))
	}
	if cs.username != "" {
		cred := &auth.Cred{
			Source:   cs.authSource,
			Username: cs.username,
			Password: cs.password,
		}
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = defaultHTTPClient
		}
		credOpt, err := topology.WithCredential(cs.authMechanism, cred, httpClient)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, credOpt)
	}
	if len(serverOpts) > 0 {
		topoOpts = append(topoOpts, topology.WithServerOptions(serverOpts...))
	}

	cluster, err := topology.New(topoOpts...)
	if err != nil {
		return nil, err
	}
	if err := cluster.Connect(); err != nil {
		return nil, err
	}

	rp := opts.ReadPref
	if rp == nil {
		rp = readpref.Primary()
	}

	return &Client{
		deployment:  cluster,
		clock:       &session.ClusterClock{},
		sessionPool: session.NewPool(),
		readPref:    rp,
	}, nil
}

// Disconnect closes every connection to the deployment and stops its monitoring goroutines.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	return c.deployment.Disconnect(ctx)
}

// Database returns a handle for the named database. It does no I/O.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// newImplicitSession allocates a session.Client for a single operation that did not receive one
// from the caller (every Collection method, currently — explicit sessions are a non-goal).
func (c *Client) newImplicitSession() *session.Client {
	return session.NewImplicitClient(c.sessionPool, defaultSessionTimeoutMinutes)
}

func (c *Client) deploymentOrErr() (driver.Deployment, error) {
	if c.disconnected {
		return nil, ErrClientDisconnected
	}
	return c.deployment, nil
}

type connString struct {
	hosts            []address.Address
	replicaSet       string
	directConnection bool
	username         string
	password         string
	authSource       string
	authMechanism    string
}

// parseURI parses the subset of the mongodb:// connection string syntax this package needs:
// credentials, host list, and the authSource/authMechanism/replicaSet/directConnection query
// parameters. A database path segment is skipped. Full connection-string semantics (SRV, TXT records, the rest of the option space)
// are out of scope.
func parseURI(uri string) (*connString, error) {
	if uri == "" {
		return &connString{hosts: []address.Address{"localhost:27017"}}, nil
	}
	if !strings.HasPrefix(uri, "mongodb://") {
		return nil, errors.New("mongo: URI must start with mongodb://")
	}
	rest := strings.TrimPrefix(uri, "mongodb://")

	var userinfo, hostsAndPath string
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		userinfo, hostsAndPath = rest[:idx], rest[idx+1:]
	} else {
		hostsAndPath = rest
	}

	hostPart := hostsAndPath
	var query string
	if idx := strings.IndexAny(hostsAndPath, "/?"); idx >= 0 {
		hostPart = hostsAndPath[:idx]
		query = hostsAndPath[idx:]
	}
	if strings.HasPrefix(query, "/") {
		if qIdx := strings.Index(query, "?"); qIdx >= 0 {
			query = query[qIdx:]
		} else {
			query = ""
		}
	}
	query = strings.TrimPrefix(query, "?")

	cs := &connString{authSource: "admin", authMechanism: ""}
	for _, h := range strings.Split(hostPart, ",") {
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h += ":27017"
		}
		cs.hosts = append(cs.hosts, address.Address(h))
	}
	if len(cs.hosts) == 0 {
		cs.hosts = []address.Address{"localhost:27017"}
	}

	if userinfo != "" {
		parts := strings.SplitN(userinfo, ":", 2)
		user, err := url.QueryUnescape(parts[0])
		if err != nil {
			return nil, err
		}
		cs.username = user
		if len(parts) == 2 {
			pass, err := url.QueryUnescape(parts[1])
			if err != nil {
				return nil, err
			}
			cs.password = pass
		}
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, err
		}
		if v := values.Get("replicaSet"); v != "" {
			cs.replicaSet = v
		}
		if v := values.Get("authSource"); v != "" {
			cs.authSource = v
		}
		if v := values.Get("authMechanism"); v != "" {
			cs.authMechanism = v
		}
		if v := values.Get("directConnection"); v == "true" {
			cs.directConnection = true
		}
	}
	return cs, nil
}

