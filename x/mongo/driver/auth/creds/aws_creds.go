// Copyright (C) Nebula, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.nebuladb.io/nebula-go-driver/x/mongo/driver/auth/internal/aws/credentials"
)

// AwsCredentialProvider bundles the fallback chain MONGODB-AWS walks when the connection string
// supplied no explicit username/password: the ECS container metadata endpoint, then the EC2
// instance metadata service.
type AwsCredentialProvider struct {
	Providers []credentials.Provider
}

// NewAwsCredentialProvider builds the fallback chain, using httpClient for every metadata fetch.
func NewAwsCredentialProvider(httpClient *http.Client) *AwsCredentialProvider {
	return &AwsCredentialProvider{
		Providers: []credentials.Provider{
			&ecsContainerProvider{client: httpClient},
			&ec2InstanceProvider{client: httpClient},
		},
	}
}

type ecsContainerProvider struct {
	client *http.Client
}

func (p *ecsContainerProvider) IsExpired() bool { return true }

func (p *ecsContainerProvider) Retrieve() (credentials.Value, error) {
	relURI := os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI")
	if relURI == "" {
		return credentials.Value{}, errors.New("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI not set")
	}
	url := "http://169.254.170.2" + relURI
	return fetchAwsMetadataCredentials(p.client, url, nil)
}

type ec2InstanceProvider struct {
	client *http.Client
}

func (p *ec2InstanceProvider) IsExpired() bool { return true }

func (p *ec2InstanceProvider) Retrieve() (credentials.Value, error) {
	tokenReq, err := http.NewRequest(http.MethodPut, "http://169.254.169.254/latest/api/token", nil)
	if err != nil {
		return credentials.Value{}, err
	}
	tokenReq.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", "30")
	tokenResp, err := p.client.Do(tokenReq)
	if err != nil {
		return credentials.Value{}, fmt.Errorf("unable to retrieve EC2 metadata token: %w", err)
	}
	defer tokenResp.Body.Close()
	token, err := io.ReadAll(tokenResp.Body)
	if err != nil {
		return credentials.Value{}, err
	}

	roleURL := "http://169.254.169.254/latest/meta-data/iam/security-credentials/"
	headers := map[string]string{"X-aws-ec2-metadata-token": string(token)}
	roleResp, err := fetchAwsMetadataRaw(p.client, roleURL, headers)
	if err != nil {
		return credentials.Value{}, fmt.Errorf("unable to retrieve EC2 IAM role name: %w", err)
	}
	role := string(roleResp)

	return fetchAwsMetadataCredentials(p.client, roleURL+role, headers)
}

func fetchAwsMetadataRaw(client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func fetchAwsMetadataCredentials(client *http.Client, url string, headers map[string]string) (credentials.Value, error) {
	body, err := fetchAwsMetadataRaw(client, url, headers)
	if err != nil {
		return credentials.Value{}, err
	}
	var doc struct {
		AccessKeyID     string `json:"AccessKeyId"`
		SecretAccessKey string `json:"SecretAccessKey"`
		Token           string `json:"Token"`
		Expiration      time.Time
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return credentials.Value{}, fmt.Errorf("unable to parse AWS metadata credentials: %w", err)
	}
	return credentials.Value{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    doc.Token,
		ProviderName:    "aws-metadata",
	}, nil
}
