package client

import (
	"log/slog"
	"strings"
)

// Protocol selects the backend adapter.
type Protocol string

const (
	// ProtocolActions is the single-id whole-file protocol of the GitHub Actions cache service.
	ProtocolActions Protocol = "actions"
	// ProtocolPresigned is the size-aware protocol handing out pre-signed upload URLs.
	ProtocolPresigned Protocol = "presigned"
	// ProtocolREAPI stores artifacts in a Bazel Remote Execution API cache over gRPC.
	ProtocolREAPI Protocol = "reapi"
	// ProtocolMemory keeps artifacts in process memory, for dry runs.
	ProtocolMemory Protocol = "memory"
)

// Config carries everything needed to reach the remote cache.
type Config struct {
	Protocol Protocol
	// URL is the cache service base URL, or host:port for ProtocolREAPI.
	URL string
	// Token is the bearer token for the HTTP protocols.
	Token string
	// TempDir holds staging files.
	TempDir string
	// RetryMax is the number of retries of the HTTP protocols.
	RetryMax int
	// TLSCert and TLSKey are PEM files for ProtocolREAPI; empty means insecure.
	TLSCert, TLSKey string
}

// Validate returns a ConfigurationError if the remote cache can't be used with cfg.
func (cfg Config) Validate() error {
	switch cfg.Protocol {
	case ProtocolMemory:
		return nil
	case ProtocolREAPI:
		if strings.TrimSpace(cfg.URL) == "" {
			return &ConfigurationError{Reason: "remote cache host is not set"}
		}
		return nil
	case ProtocolActions, ProtocolPresigned, "":
		if strings.TrimSpace(cfg.URL) == "" {
			return &ConfigurationError{Reason: "cache URL is not set"}
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return &ConfigurationError{Reason: "cache token is not set"}
		}
		return nil
	}
	return &ConfigurationError{Reason: "unknown protocol " + string(cfg.Protocol)}
}

// Valid reports whether Validate succeeds.
func (cfg Config) Valid() bool {
	return cfg.Validate() == nil
}

// New instantiates the adapter selected by cfg.Protocol. The ProtocolREAPI client holds a gRPC
// connection; it implements io.Closer.
func New(logger *slog.Logger, cfg Config) (Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Protocol {
	case ProtocolMemory:
		return NewInMemoryClient(), nil
	case ProtocolREAPI:
		cc, err := DialGrpc(cfg.URL, cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		return NewREAPIClient(cc, cfg.TempDir, logger), nil
	case ProtocolPresigned:
		return NewPresignedClient(logger, cfg.URL, cfg.Token, cfg.RetryMax), nil
	default:
		return NewActionsClient(logger, cfg.URL, cfg.Token, cfg.TempDir, cfg.RetryMax), nil
	}
}
