package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	profilepb "github.com/tripwire/profiler/proto/profile"
)

// Config holds the mTLS material used to secure the ingestion listener.
type Config struct {
	// Addr is the TCP address the gRPC server listens on (e.g. ":4443").
	Addr string

	// CertPath and KeyPath are the PEM-encoded server certificate and private
	// key presented to connecting agents.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA bundle used to verify agent client
	// certificates. Every connecting agent must present a certificate signed
	// by this CA; its CommonName becomes the agent's identity.
	CAPath string
}

// Server wraps a *grpc.Server configured for mutual TLS and serving the
// profile ingestion RPC.
type Server struct {
	grpcSrv *grpc.Server
	logger  *slog.Logger
	addr    string
}

// New loads the mTLS material described by cfg, constructs a *grpc.Server
// requiring and verifying client certificates, and registers svc as the
// ProfileServiceServer implementation.
func New(cfg Config, logger *slog.Logger, svc profilepb.ProfileServiceServer) (*Server, error) {
	creds, err := loadServerTLSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("load server TLS credentials: %w", err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	profilepb.RegisterProfileServiceServer(grpcSrv, svc)

	return &Server{grpcSrv: grpcSrv, logger: logger, addr: cfg.Addr}, nil
}

// Serve opens the configured address and blocks serving RPCs until ctx is
// cancelled, at which point it performs a graceful stop.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves RPCs on an already-open listener until ctx is
// cancelled. Splitting this out from Serve lets tests bind an OS-assigned
// port ahead of time.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.grpcSrv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop forcibly stops the server, dropping any in-flight RPCs. Used by
// callers that need to bound shutdown time after a graceful stop has timed
// out.
func (s *Server) Stop() {
	s.grpcSrv.Stop()
}

// loadServerTLSCredentials reads the server certificate, private key, and CA
// bundle from cfg and returns transport credentials configured to require
// and verify every connecting agent's client certificate.
func loadServerTLSCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert %s: no certificates found", cfg.CAPath)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},

		// Require and verify every agent's client certificate against our CA
		// pool; the verified CommonName becomes the agent's identity.
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,

		MinVersion: tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsConfig), nil
}
