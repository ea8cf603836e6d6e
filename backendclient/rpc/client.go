package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-durable/backendclient"
)

const (
	serviceName          = "durable.v1.DurableBackend"
	methodCheckpoint     = "/" + serviceName + "/Checkpoint"
	methodExecutionState = "/" + serviceName + "/GetExecutionState"
)

// Client is a backendclient.Client backed by a live gRPC connection.
// Instances must be constructed with New.
type Client struct {
	cc grpc.ClientConnInterface
}

// New wraps an established connection (e.g. from grpc.NewClient) as a
// backendclient.Client. The caller owns the connection's lifecycle.
func New(cc grpc.ClientConnInterface) *Client {
	if cc == nil {
		panic("rpc: nil ClientConnInterface")
	}
	return &Client{cc: cc}
}

type checkpointRequest struct {
	ExecutionARN string                            `json:"executionArn"`
	Token        string                            `json:"token"`
	Updates      []backendclient.OperationUpdate   `json:"updates"`
}

type checkpointResponse struct {
	NewToken string                            `json:"newToken"`
	State    *backendclient.ExecutionStatePage `json:"state,omitempty"`
}

type executionStateRequest struct {
	ExecutionARN string `json:"executionArn"`
	Token        string `json:"token"`
	Marker       string `json:"marker,omitempty"`
}

func (c *Client) Checkpoint(ctx context.Context, arn, token string, updates []backendclient.OperationUpdate) (string, *backendclient.ExecutionStatePage, error) {
	req := &checkpointRequest{ExecutionARN: arn, Token: token, Updates: updates}
	resp := new(checkpointResponse)
	if err := c.cc.Invoke(ctx, methodCheckpoint, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return "", nil, classify(err)
	}
	return resp.NewToken, resp.State, nil
}

func (c *Client) GetExecutionState(ctx context.Context, arn, token, marker string) (backendclient.ExecutionStatePage, error) {
	req := &executionStateRequest{ExecutionARN: arn, Token: token, Marker: marker}
	resp := new(backendclient.ExecutionStatePage)
	if err := c.cc.Invoke(ctx, methodExecutionState, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return backendclient.ExecutionStatePage{}, classify(err)
	}
	return *resp, nil
}

// classify maps a gRPC status code onto backendclient's transient/permanent
// distinction (spec.md §4.C).
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &backendclient.TransientError{Cause: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return &backendclient.TransientError{Cause: err}
	default:
		return fmt.Errorf("rpc: permanent backend error: %w", err)
	}
}
