// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

// Database is a handle to a named database on a Client's deployment. It does no I/O itself;
// every operation is issued through a Collection.
type Database struct {
	client *Client
	name   string
}

// Name returns the database's name.
func (db *Database) Name() string { return db.name }

// Collection returns a handle for the named collection within db.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}
