package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

// Config holds connection and client settings.
type Config struct {
	// Address is the gRPC target, e.g. "grpc://remote:8980" or "remote:8980".
	Address string `mapstructure:"address"`

	// InstanceName is passed through on every request.
	InstanceName string `mapstructure:"instance_name"`

	// Insecure disables TLS.
	Insecure bool `mapstructure:"insecure"`

	// CAFile optionally pins the server certificate authority.
	CAFile string `mapstructure:"ca_file"`

	// RPCTimeout bounds unary calls. Execute streams are bounded by the
	// caller's context only.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`

	// RateLimit is the sustained RPC rate per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	// MaxBatchBytes caps one BatchUpdateBlobs/BatchReadBlobs request. Blobs
	// larger than this use ByteStream.
	MaxBatchBytes int64 `mapstructure:"max_batch_bytes"`

	// Platform properties attached to every Action.
	Platform map[string]string `mapstructure:"platform"`
}

// DefaultMaxBatchBytes stays under the common 4 MiB gRPC message limit.
const DefaultMaxBatchBytes = 4*1024*1024 - 64*1024

// DefaultConfig returns a Config with default client settings and no address.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:    time.Minute,
		MaxBatchBytes: DefaultMaxBatchBytes,
	}
}

// Validate checks the settings needed to dial.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Address) == "" {
		errs = append(errs, errors.New("remote address is required"))
	}
	if c.RPCTimeout < 0 {
		errs = append(errs, errors.New("rpc_timeout must be >= 0"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must be >= 0"))
	}
	if c.MaxBatchBytes < 0 {
		errs = append(errs, errors.New("max_batch_bytes must be >= 0"))
	}
	if c.Insecure && c.CAFile != "" {
		errs = append(errs, errors.New("ca_file cannot be combined with insecure"))
	}
	return errors.Join(errs...)
}

// DefaultRetryableCodes are the transport-class codes treated as the
// service being unavailable.
var DefaultRetryableCodes = []codes.Code{
	codes.Unavailable,
	codes.ResourceExhausted,
	codes.Aborted,
	codes.DeadlineExceeded,
}

// ParseCodes parses gRPC code names such as "UNAVAILABLE" or "Unavailable".
func ParseCodes(names []string) ([]codes.Code, error) {
	out := make([]codes.Code, 0, len(names))
	for _, name := range names {
		c, ok := parseCode(name)
		if !ok {
			return nil, fmt.Errorf("unknown gRPC code %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCode(name string) (codes.Code, bool) {
	want := strings.ReplaceAll(strings.TrimSpace(name), "_", "")
	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		if strings.EqualFold(c.String(), want) {
			return c, true
		}
	}
	return 0, false
}
