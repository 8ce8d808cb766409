package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"taskweave/internal/core"
)

// byteStreamChunk is the payload size of one ByteStream message.
const byteStreamChunk = 1024 * 1024

// Dial opens a client connection for cfg. The connection is lazy: the first
// RPC establishes it.
func Dial(cfg Config) (*grpc.ClientConn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	target := cfg.Address
	useTLS := !cfg.Insecure
	switch {
	case strings.HasPrefix(target, "grpc://"):
		target = strings.TrimPrefix(target, "grpc://")
		useTLS = false
	case strings.HasPrefix(target, "grpcs://"):
		target = strings.TrimPrefix(target, "grpcs://")
		useTLS = true
	}

	var creds credentials.TransportCredentials
	switch {
	case !useTLS:
		creds = insecure.NewCredentials()
	case cfg.CAFile != "":
		c, err := credentials.NewClientTLSFromFile(cfg.CAFile, "")
		if err != nil {
			return nil, fmt.Errorf("loading CA file: %w", err)
		}
		creds = c
	default:
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Address, err)
	}
	return conn, nil
}

// Blob is content to upload, held in memory or read from a file.
type Blob struct {
	Digest core.Digest
	Data   []byte
	Path   string
}

func (b Blob) open() (io.ReadCloser, error) {
	if b.Path == "" {
		return io.NopCloser(bytes.NewReader(b.Data)), nil
	}
	return os.Open(b.Path)
}

func (b Blob) bytes() ([]byte, error) {
	if b.Path == "" {
		return b.Data, nil
	}
	return os.ReadFile(b.Path)
}

// Client talks to one remote execution instance.
//
// It is safe for concurrent use.
type Client struct {
	instance string
	cfg      Config

	cas  repb.ContentAddressableStorageClient
	ac   repb.ActionCacheClient
	exec repb.ExecutionClient
	bs   bytestream.ByteStreamClient

	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client over an established connection.
func NewClient(conn grpc.ClientConnInterface, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		instance: cfg.InstanceName,
		cfg:      cfg,
		cas:      repb.NewContentAddressableStorageClient(conn),
		ac:       repb.NewActionCacheClient(conn),
		exec:     repb.NewExecutionClient(conn),
		bs:       bytestream.NewByteStreamClient(conn),
		limiter:  limiter,
		logger:   logger,
	}
}

// Platform returns the configured platform properties as a proto, sorted by name.
func (c *Client) Platform() *repb.Platform {
	if len(c.cfg.Platform) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.cfg.Platform))
	for k := range c.cfg.Platform {
		names = append(names, k)
	}
	sort.Strings(names)
	p := &repb.Platform{}
	for _, n := range names {
		p.Properties = append(p.Properties, &repb.Platform_Property{Name: n, Value: c.cfg.Platform[n]})
	}
	return p
}

// unary applies rate limiting and the per-call timeout.
func (c *Client) unary(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	if c.cfg.RPCTimeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	return ctx, cancel, nil
}

// FindMissing returns the digests absent from the CAS, in request order.
func (c *Client) FindMissing(ctx context.Context, digests []core.Digest) ([]core.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	req := &repb.FindMissingBlobsRequest{InstanceName: c.instance}
	seen := make(map[core.Digest]struct{}, len(digests))
	for _, d := range digests {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		req.BlobDigests = append(req.BlobDigests, ToProto(d))
	}

	rctx, cancel, err := c.unary(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := c.cas.FindMissingBlobs(rctx, req)
	if err != nil {
		return nil, fmt.Errorf("FindMissingBlobs: %w", err)
	}
	missing := make([]core.Digest, 0, len(resp.GetMissingBlobDigests()))
	for _, d := range resp.GetMissingBlobDigests() {
		missing = append(missing, FromProto(d))
	}
	return missing, nil
}

// Upload stores every blob the CAS does not already have.
//
// Existence is checked in one batched call. Small blobs are grouped into
// BatchUpdateBlobs requests; blobs above MaxBatchBytes are streamed with
// ByteStream Write.
func (c *Client) Upload(ctx context.Context, blobs []Blob) error {
	byDigest := make(map[core.Digest]Blob, len(blobs))
	digests := make([]core.Digest, 0, len(blobs))
	for _, b := range blobs {
		if b.Digest.SizeBytes == 0 {
			continue
		}
		if _, dup := byDigest[b.Digest]; dup {
			continue
		}
		byDigest[b.Digest] = b
		digests = append(digests, b.Digest)
	}

	missing, err := c.FindMissing(ctx, digests)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	c.logger.Debug("uploading blobs", zap.Int("missing", len(missing)), zap.Int("total", len(digests)))

	var batch []*repb.BatchUpdateBlobsRequest_Request
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.batchUpdate(ctx, batch)
		batch, batchSize = nil, 0
		return err
	}

	for _, d := range missing {
		b, ok := byDigest[d]
		if !ok {
			return fmt.Errorf("server reported unrequested digest %s missing", d)
		}
		if d.SizeBytes > c.cfg.MaxBatchBytes {
			if err := c.writeStream(ctx, b); err != nil {
				return err
			}
			continue
		}
		if batchSize+d.SizeBytes > c.cfg.MaxBatchBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		data, err := b.bytes()
		if err != nil {
			return fmt.Errorf("reading blob %s: %w", d, err)
		}
		batch = append(batch, &repb.BatchUpdateBlobsRequest_Request{Digest: ToProto(d), Data: data})
		batchSize += d.SizeBytes
	}
	return flush()
}

func (c *Client) batchUpdate(ctx context.Context, reqs []*repb.BatchUpdateBlobsRequest_Request) error {
	rctx, cancel, err := c.unary(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	resp, err := c.cas.BatchUpdateBlobs(rctx, &repb.BatchUpdateBlobsRequest{InstanceName: c.instance, Requests: reqs})
	if err != nil {
		return fmt.Errorf("BatchUpdateBlobs: %w", err)
	}
	var errs []error
	for _, r := range resp.GetResponses() {
		if code := codes.Code(r.GetStatus().GetCode()); code != codes.OK {
			errs = append(errs, fmt.Errorf("uploading %s: %w", FromProto(r.GetDigest()), status.ErrorProto(r.GetStatus())))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) writeStream(ctx context.Context, b Blob) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	r, err := b.open()
	if err != nil {
		return fmt.Errorf("opening blob %s: %w", b.Digest, err)
	}
	defer r.Close()

	stream, err := c.bs.Write(ctx)
	if err != nil {
		return fmt.Errorf("ByteStream.Write: %w", err)
	}
	resource := c.writeResource(uuid.New().String(), b.Digest)
	buf := make([]byte, byteStreamChunk)
	var offset int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return fmt.Errorf("reading blob %s: %w", b.Digest, rerr)
		}
		last := offset+int64(n) >= b.Digest.SizeBytes || rerr != nil
		req := &bytestream.WriteRequest{WriteOffset: offset, Data: buf[:n], FinishWrite: last}
		if offset == 0 {
			req.ResourceName = resource
		}
		if err := stream.Send(req); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("ByteStream.Write %s: %w", b.Digest, err)
		}
		offset += int64(n)
		if last {
			break
		}
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return fmt.Errorf("ByteStream.Write %s: %w", b.Digest, err)
	}
	if resp.GetCommittedSize() != b.Digest.SizeBytes {
		return fmt.Errorf("ByteStream.Write %s: committed %d bytes", b.Digest, resp.GetCommittedSize())
	}
	return nil
}

// ReadBlob fetches one blob into memory and verifies its digest.
func (c *Client) ReadBlob(ctx context.Context, d core.Digest) ([]byte, error) {
	if d.SizeBytes == 0 {
		return []byte{}, nil
	}
	var data []byte
	if d.SizeBytes <= c.cfg.MaxBatchBytes {
		rctx, cancel, err := c.unary(ctx)
		if err != nil {
			return nil, err
		}
		defer cancel()
		resp, err := c.cas.BatchReadBlobs(rctx, &repb.BatchReadBlobsRequest{
			InstanceName: c.instance,
			Digests:      []*repb.Digest{ToProto(d)},
		})
		if err != nil {
			return nil, fmt.Errorf("BatchReadBlobs: %w", err)
		}
		if len(resp.GetResponses()) != 1 {
			return nil, fmt.Errorf("BatchReadBlobs: expected 1 response, got %d", len(resp.GetResponses()))
		}
		r := resp.GetResponses()[0]
		if codes.Code(r.GetStatus().GetCode()) != codes.OK {
			return nil, fmt.Errorf("reading %s: %w", d, status.ErrorProto(r.GetStatus()))
		}
		data = r.GetData()
	} else {
		var buf bytes.Buffer
		if err := c.readStream(ctx, d, &buf); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	}
	if got := core.DigestBytes(data); got != d {
		return nil, fmt.Errorf("blob %s: content digest mismatch (got %s)", d, got)
	}
	return data, nil
}

func (c *Client) readStream(ctx context.Context, d core.Digest, w io.Writer) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	stream, err := c.bs.Read(ctx, &bytestream.ReadRequest{ResourceName: c.readResource(d)})
	if err != nil {
		return fmt.Errorf("ByteStream.Read %s: %w", d, err)
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ByteStream.Read %s: %w", d, err)
		}
		if _, err := w.Write(resp.GetData()); err != nil {
			return err
		}
	}
}

// DownloadFile writes blob d to path atomically, verifying its digest.
func (c *Client) DownloadFile(ctx context.Context, d core.Digest, path string, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if d.SizeBytes > c.cfg.MaxBatchBytes {
		if err := c.readStream(ctx, d, tmp); err != nil {
			return err
		}
	} else {
		data, err := c.ReadBlob(ctx, d)
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	got, err := core.DigestFile(tmpName)
	if err != nil {
		return err
	}
	if got != d {
		return fmt.Errorf("blob %s: content digest mismatch (got %s)", d, got)
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// GetActionResult returns the cached result for an action digest, or nil
// when the action cache has no entry.
func (c *Client) GetActionResult(ctx context.Context, action core.Digest) (*repb.ActionResult, error) {
	rctx, cancel, err := c.unary(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	res, err := c.ac.GetActionResult(rctx, &repb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: ToProto(action),
		InlineStdout: true,
		InlineStderr: true,
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetActionResult: %w", err)
	}
	return res, nil
}

// UpdateActionResult records result under an action digest.
func (c *Client) UpdateActionResult(ctx context.Context, action core.Digest, result *repb.ActionResult) error {
	rctx, cancel, err := c.unary(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = c.ac.UpdateActionResult(rctx, &repb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: ToProto(action),
		ActionResult: result,
	})
	if err != nil {
		return fmt.Errorf("UpdateActionResult: %w", err)
	}
	return nil
}

// Output reads stdout or stderr from an action result, inline or from the CAS.
func (c *Client) Output(ctx context.Context, raw []byte, d *repb.Digest) ([]byte, error) {
	if len(raw) > 0 || d == nil {
		return raw, nil
	}
	return c.ReadBlob(ctx, FromProto(d))
}

// OutputPrefix is Output bounded to limit bytes (zero means unbounded).
// A CAS blob larger than limit is streamed, keeping only its first limit
// bytes while the whole stream is still checked against the digest. The
// flag reports whether the result was cut. Inline data is returned as is.
func (c *Client) OutputPrefix(ctx context.Context, raw []byte, d *repb.Digest, limit int) ([]byte, bool, error) {
	if len(raw) > 0 || d == nil {
		return raw, false, nil
	}
	dg := FromProto(d)
	if limit <= 0 || dg.SizeBytes <= int64(limit) {
		data, err := c.ReadBlob(ctx, dg)
		return data, false, err
	}
	h := core.NewHasher()
	w := &prefixWriter{limit: limit}
	if err := c.readStream(ctx, dg, io.MultiWriter(h, w)); err != nil {
		return nil, false, err
	}
	if got := h.Digest(); got != dg {
		return nil, false, fmt.Errorf("blob %s: content digest mismatch (got %s)", dg, got)
	}
	return w.buf, true, nil
}

// prefixWriter keeps the first limit bytes and drops the rest.
type prefixWriter struct {
	limit int
	buf   []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
