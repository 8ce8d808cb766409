package remote

import (
	"fmt"
	"strconv"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"taskweave/internal/core"
)

// ToProto converts a digest to its wire form.
func ToProto(d core.Digest) *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// FromProto converts a wire digest. A nil digest is the empty blob.
func FromProto(d *repb.Digest) core.Digest {
	if d == nil {
		return core.EmptyDigest
	}
	return core.Digest{Hash: d.GetHash(), SizeBytes: d.GetSizeBytes()}
}

// MarshalDeterministic encodes m with deterministic field ordering and
// returns the bytes with their digest.
func MarshalDeterministic(m proto.Message) ([]byte, core.Digest, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, core.Digest{}, fmt.Errorf("marshaling %T: %w", m, err)
	}
	return data, core.DigestBytes(data), nil
}

func (c *Client) readResource(d core.Digest) string {
	name := "blobs/" + d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
	if c.instance == "" {
		return name
	}
	return c.instance + "/" + name
}

func (c *Client) writeResource(uploadID string, d core.Digest) string {
	name := "uploads/" + uploadID + "/blobs/" + d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
	if c.instance == "" {
		return name
	}
	return c.instance + "/" + name
}
