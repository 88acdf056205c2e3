// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command nebuladump exports every document in a collection to a flat BSON file, driving the
// same find+getMore path Collection.Find uses but writing raw wire documents straight to disk
// instead of materializing them into the caller's process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.nebuladb.io/nebula-go-driver/mongo"
	"go.nebuladb.io/nebula-go-driver/x/bsonx/bsoncore"
)

func main() {
	uri := flag.String("uri", "mongodb://localhost:27017", "connection URI")
	db := flag.String("db", "", "database to dump from")
	coll := flag.String("collection", "", "collection to dump")
	out := flag.String("out", "", "output file (defaults to <db>.<collection>.bson)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout for the dump")
	flag.Parse()

	if *db == "" || *coll == "" {
		fmt.Fprintln(os.Stderr, "nebuladump: -db and -collection are required")
		flag.Usage()
		os.Exit(2)
	}
	if *out == "" {
		*out = fmt.Sprintf("%s.%s.bson", *db, *coll)
	}

	if err := run(*uri, *db, *coll, *out, *timeout); err != nil {
		log.Fatalf("nebuladump: %v", err)
	}
}

func run(uri, dbName, collName, outPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, mongo.ClientOptions{URI: uri})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect(context.Background())

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	n, err := dumpCollection(ctx, client, dbName, collName, f)
	if err != nil {
		return err
	}
	log.Printf("nebuladump: wrote %d documents from %s.%s to %s", n, dbName, collName, outPath)
	return nil
}

// dumpCollection issues an empty-filter find, streams every batch the cursor returns, and writes
// each document's raw bytes to w back to back — the same framing mongorestore-style tools expect.
func dumpCollection(ctx context.Context, client *mongo.Client, dbName, collName string, w io.Writer) (int, error) {
	coll := client.Database(dbName).Collection(collName)

	cur, err := coll.Find(ctx, bsoncore.Empty())
	if err != nil {
		return 0, fmt.Errorf("find: %w", err)
	}
	defer cur.Close(ctx)

	count := 0
	for cur.Next(ctx) {
		if _, err := w.Write(cur.Current()); err != nil {
			return count, fmt.Errorf("write document %d: %w", count, err)
		}
		count++
	}
	if err := cur.Err(); err != nil {
		return count, fmt.Errorf("cursor: %w", err)
	}
	return count, nil
}
