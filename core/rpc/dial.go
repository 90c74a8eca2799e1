package rpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerAddress is a "host:port" gRPC-dialable peer address, grounded
// on weed/rpc.ServerAddress / operation/grpc_client.go's dialing
// pattern: every RPC client call in this core goes through a small
// With*Client helper rather than holding a long-lived connection.
type ServerAddress string

// Dial opens a gRPC connection to addr. Production callers supply
// transport credentials via opts; tests typically pass
// grpc.WithTransportCredentials(insecure.NewCredentials()).
func Dial(addr ServerAddress, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.Dial(string(addr), opts...)
}

// InsecureDialOption is a convenience default for local/test gateways,
// mirroring the teacher's grpcDialOption plumbed through Store/Topology
// constructors.
func InsecureDialOption() grpc.DialOption {
	return grpc.WithTransportCredentials(insecure.NewCredentials())
}

// WithGatewayClient dials addr and invokes fn with a connection,
// closing it afterward — the same one-shot-connection idiom as
// operation.WithVolumeServerClient / WithMasterServerClient.
func WithGatewayClient(addr ServerAddress, opts []grpc.DialOption, fn func(*grpc.ClientConn) error) error {
	conn, err := Dial(addr, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
