package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"taskweave/internal/core"
)

// Execute runs the uploaded action and waits for the long-running operation
// to finish.
//
// An error status carried by the operation or the ExecuteResponse is
// returned as a gRPC status error, together with the response when there is
// one, so callers can classify it by code.
func (c *Client) Execute(ctx context.Context, action core.Digest, skipCacheLookup bool) (*repb.ExecuteResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	stream, err := c.exec.Execute(ctx, &repb.ExecuteRequest{
		InstanceName:    c.instance,
		ActionDigest:    ToProto(action),
		SkipCacheLookup: skipCacheLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}

	op, err := waitOperation(stream)
	if err != nil && op != nil && op.GetName() != "" && status.Code(err) == codes.Unavailable {
		// The stream broke mid-flight; reattach to the same operation once.
		c.logger.Debug("reattaching to operation", zap.String("operation", op.GetName()))
		wait, werr := c.exec.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: op.GetName()})
		if werr != nil {
			return nil, fmt.Errorf("WaitExecution: %w", werr)
		}
		op, err = waitOperation(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	return operationResult(op)
}

type operationStream interface {
	Recv() (*longrunningpb.Operation, error)
}

// waitOperation drains stream until an operation reports Done. It returns
// the last operation seen alongside any error.
func waitOperation(stream operationStream) (*longrunningpb.Operation, error) {
	var last *longrunningpb.Operation
	for {
		op, err := stream.Recv()
		if err == io.EOF {
			if last == nil {
				return nil, status.Error(codes.Unavailable, "execute stream closed before any operation")
			}
			return last, status.Error(codes.Unavailable, "execute stream closed before completion")
		}
		if err != nil {
			return last, err
		}
		last = op
		if op.GetDone() {
			return op, nil
		}
	}
}

func operationResult(op *longrunningpb.Operation) (*repb.ExecuteResponse, error) {
	switch r := op.GetResult().(type) {
	case *longrunningpb.Operation_Error:
		return nil, status.ErrorProto(r.Error)
	case *longrunningpb.Operation_Response:
		resp := &repb.ExecuteResponse{}
		if err := r.Response.UnmarshalTo(resp); err != nil {
			return nil, fmt.Errorf("decoding ExecuteResponse: %w", err)
		}
		if code := codes.Code(resp.GetStatus().GetCode()); code != codes.OK {
			return resp, status.ErrorProto(resp.GetStatus())
		}
		if resp.GetResult() == nil {
			return resp, status.Error(codes.Internal, "ExecuteResponse has no result")
		}
		return resp, nil
	default:
		return nil, errors.New("operation finished without a result")
	}
}
