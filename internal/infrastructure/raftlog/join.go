package raftlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// VotersPath is the admin route on the leader's HTTP API that adds a voter.
const VotersPath = "/v1/admin/raft/voters"

// VoterRequest is the body of a join request.
type VoterRequest struct {
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
}

// RequestJoin asks the node serving baseURL to add nodeID at raftAddr as a
// voter. organizerKey is sent as X-Organizer-Key when set.
func RequestJoin(ctx context.Context, client *http.Client, baseURL, organizerKey string, req VoterRequest) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := strings.TrimRight(baseURL, "/") + VotersPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if organizerKey != "" {
		httpReq.Header.Set("X-Organizer-Key", organizerKey)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("join %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope)
	if envelope.Error == "NOT_LEADER" {
		return fmt.Errorf("join %s: %w", url, ErrNotLeader)
	}
	return fmt.Errorf("join %s: status %d: %s %s", url, resp.StatusCode, envelope.Error, envelope.Message)
}
