// Package remotetest provides an in-process Remote Execution API server for
// tests.
//
// The server keeps its CAS and action cache in memory and runs actions with
// a caller-supplied ExecuteFunc. It is served over bufconn, so no ports are
// opened.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/bytestream"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"taskweave/internal/core"
)

// ExecuteFunc runs an action whose inputs are available through the Server.
type ExecuteFunc func(ctx context.Context, s *Server, action *repb.Action, cmd *repb.Command) (*repb.ActionResult, error)

// Server is an in-memory CAS, action cache and execution service.
type Server struct {
	repb.UnimplementedContentAddressableStorageServer
	repb.UnimplementedActionCacheServer
	repb.UnimplementedExecutionServer
	bytestream.UnimplementedByteStreamServer

	// Executor runs actions. Nil rejects every Execute call as Unimplemented.
	Executor ExecuteFunc

	mu         sync.Mutex
	blobs      map[string][]byte
	results    map[string]*repb.ActionResult
	execErrs   []codes.Code
	calls      map[string]int
	grpcServer *grpc.Server
	conn       *grpc.ClientConn
}

// Start serves a new Server until the test ends.
func Start(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		blobs:   make(map[string][]byte),
		results: make(map[string]*repb.ActionResult),
		calls:   make(map[string]int),
	}

	lis := bufconn.Listen(1 << 20)
	s.grpcServer = grpc.NewServer()
	repb.RegisterContentAddressableStorageServer(s.grpcServer, s)
	repb.RegisterActionCacheServer(s.grpcServer, s)
	repb.RegisterExecutionServer(s.grpcServer, s)
	bytestream.RegisterByteStreamServer(s.grpcServer, s)
	go func() { _ = s.grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		tb.Fatalf("dialing bufconn: %v", err)
	}
	s.conn = conn

	tb.Cleanup(func() {
		_ = conn.Close()
		s.grpcServer.Stop()
	})
	return s
}

// Conn returns a client connection to the server.
func (s *Server) Conn() *grpc.ClientConn { return s.conn }

// FailExecute makes the next len(codes) Execute calls fail with the given codes.
func (s *Server) FailExecute(cs ...codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErrs = append(s.execErrs, cs...)
}

// Calls returns how many times an RPC method (e.g. "Execute") was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) count(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

// PutBlob stores data and returns its digest.
func (s *Server) PutBlob(data []byte) core.Digest {
	d := core.DigestBytes(data)
	s.mu.Lock()
	s.blobs[d.Hash] = append([]byte(nil), data...)
	s.mu.Unlock()
	return d
}

// Blob returns a stored blob.
func (s *Server) Blob(d core.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[d.Hash]
	return data, ok
}

// ActionResult returns the cached result for an action digest.
func (s *Server) ActionResult(d core.Digest) (*repb.ActionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[d.Hash]
	return r, ok
}

// InputFiles walks the input root of action and returns file contents by
// path relative to the input root.
func (s *Server) InputFiles(action *repb.Action) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var walk func(prefix string, d *repb.Digest) error
	walk = func(prefix string, d *repb.Digest) error {
		data, ok := s.Blob(core.Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()})
		if !ok {
			return fmt.Errorf("directory %s missing from CAS", d.GetHash())
		}
		dir := &repb.Directory{}
		if err := proto.Unmarshal(data, dir); err != nil {
			return err
		}
		for _, f := range dir.GetFiles() {
			content, ok := s.Blob(core.Digest{Hash: f.GetDigest().GetHash(), SizeBytes: f.GetDigest().GetSizeBytes()})
			if !ok {
				return fmt.Errorf("file %s missing from CAS", path.Join(prefix, f.GetName()))
			}
			out[path.Join(prefix, f.GetName())] = content
		}
		for _, sub := range dir.GetDirectories() {
			if err := walk(path.Join(prefix, sub.GetName()), sub.GetDigest()); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk("", action.GetInputRootDigest()); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) FindMissingBlobs(_ context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	s.count("FindMissingBlobs")
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range req.GetBlobDigests() {
		if _, ok := s.blobs[d.GetHash()]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *Server) BatchUpdateBlobs(_ context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	s.count("BatchUpdateBlobs")
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		st := &statuspb.Status{}
		if got := core.DigestBytes(r.GetData()); got.Hash != r.GetDigest().GetHash() {
			st = status.New(codes.InvalidArgument, "digest mismatch").Proto()
		} else {
			s.PutBlob(r.GetData())
		}
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{Digest: r.GetDigest(), Status: st})
	}
	return resp, nil
}

func (s *Server) BatchReadBlobs(_ context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	s.count("BatchReadBlobs")
	resp := &repb.BatchReadBlobsResponse{}
	for _, d := range req.GetDigests() {
		r := &repb.BatchReadBlobsResponse_Response{Digest: d, Status: &statuspb.Status{}}
		if data, ok := s.Blob(core.Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()}); ok {
			r.Data = data
		} else {
			r.Status = status.New(codes.NotFound, "blob not found").Proto()
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *Server) GetActionResult(_ context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	s.count("GetActionResult")
	r, ok := s.ActionResult(core.Digest{Hash: req.GetActionDigest().GetHash()})
	if !ok {
		return nil, status.Error(codes.NotFound, "action not cached")
	}
	return r, nil
}

func (s *Server) UpdateActionResult(_ context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	s.count("UpdateActionResult")
	s.mu.Lock()
	s.results[req.GetActionDigest().GetHash()] = req.GetActionResult()
	s.mu.Unlock()
	return req.GetActionResult(), nil
}

func (s *Server) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	s.count("Execute")

	s.mu.Lock()
	if len(s.execErrs) > 0 {
		code := s.execErrs[0]
		s.execErrs = s.execErrs[1:]
		s.mu.Unlock()
		return status.Error(code, "injected failure")
	}
	s.mu.Unlock()

	if s.Executor == nil {
		return status.Error(codes.Unimplemented, "no executor configured")
	}

	action := &repb.Action{}
	if err := s.unmarshalBlob(req.GetActionDigest(), action); err != nil {
		return status.Errorf(codes.FailedPrecondition, "action: %v", err)
	}
	cmd := &repb.Command{}
	if err := s.unmarshalBlob(action.GetCommandDigest(), cmd); err != nil {
		return status.Errorf(codes.FailedPrecondition, "command: %v", err)
	}

	opName := "operations/" + req.GetActionDigest().GetHash()
	if err := stream.Send(&longrunningpb.Operation{Name: opName}); err != nil {
		return err
	}

	result, err := s.Executor(stream.Context(), s, action, cmd)
	resp := &repb.ExecuteResponse{Result: result}
	if err != nil {
		resp.Status = status.Convert(err).Proto()
	}
	anyResp, err := anypb.New(resp)
	if err != nil {
		return err
	}
	return stream.Send(&longrunningpb.Operation{
		Name:   opName,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: anyResp},
	})
}

func (s *Server) unmarshalBlob(d *repb.Digest, m proto.Message) error {
	data, ok := s.Blob(core.Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()})
	if !ok {
		return fmt.Errorf("blob %s not found", d.GetHash())
	}
	return proto.Unmarshal(data, m)
}

func (s *Server) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	s.count("Read")
	hash, err := resourceHash(req.GetResourceName())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	data, ok := s.Blob(core.Digest{Hash: hash})
	if !ok {
		return status.Error(codes.NotFound, "blob not found")
	}
	const chunk = 64 * 1024
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := stream.Send(&bytestream.ReadResponse{Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	s.count("Write")
	var buf bytes.Buffer
	var resource string
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if req.GetResourceName() != "" {
			resource = req.GetResourceName()
		}
		if req.GetWriteOffset() != int64(buf.Len()) {
			return status.Errorf(codes.InvalidArgument, "write offset %d, have %d", req.GetWriteOffset(), buf.Len())
		}
		buf.Write(req.GetData())
		if req.GetFinishWrite() {
			break
		}
	}
	hash, err := resourceHash(resource)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if got := core.DigestBytes(buf.Bytes()); got.Hash != hash {
		return status.Error(codes.InvalidArgument, "digest mismatch")
	}
	s.PutBlob(buf.Bytes())
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(buf.Len())})
}

// resourceHash extracts the hash from ".../blobs/{hash}/{size}".
func resourceHash(name string) (string, error) {
	parts := strings.Split(name, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "blobs" {
			if _, err := strconv.ParseInt(parts[i+2], 10, 64); err != nil {
				return "", fmt.Errorf("bad size in resource %q", name)
			}
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("bad resource name %q", name)
}
