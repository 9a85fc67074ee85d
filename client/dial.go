package client

import (
	"crypto/tls"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DialGrpc creates a new gRPC client connected to target, which is host:port optionally prefixed
// with grpc:// or grpcs://. grpcs:// and a client certificate both enable TLS. tlsKey and tlsCert
// must be either both empty or non-empty.
func DialGrpc(target, tlsCert, tlsKey string) (*grpc.ClientConn, error) {
	host, secure := strings.CutPrefix(target, "grpcs://")
	host = strings.TrimPrefix(host, "grpc://")

	var creds credentials.TransportCredentials
	switch {
	case tlsCert != "" || tlsKey != "":
		if tlsCert == "" || tlsKey == "" {
			return nil, &ConfigurationError{Reason: "only one of tlsCert and tlsKey was provided"}
		}
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With("error loading TLS key pair"))
		}
		creds = credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
		})
	case secure:
		creds = credentials.NewTLS(&tls.Config{})
	default:
		creds = insecure.NewCredentials()
	}

	cc, err := grpc.NewClient(host, grpc.WithTransportCredentials(creds))
	return cc, fault.Wrap(err, fmsg.With("error creating gRPC client"))
}
