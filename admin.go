// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AdminPath and MetricsPath are the routes of the admin HTTP server.
const (
	AdminPath   = "/rpc"
	MetricsPath = "/metrics"
)

var errNoClient = errors.New("admin: no client attached")

// AdminService is the JSON-RPC 2.0 "Admin" service. Either side may be nil.
type AdminService struct {
	Client *Multiplexer
	Server *Server
}

type EmptyArgs struct{}

type ServersReply struct {
	Servers []ServerInfo `json:"servers"`
}

type StatsReply struct {
	Client *ClientStats `json:"client,omitempty"`
	Server *ServerStats `json:"server,omitempty"`
}

// ServerStats summarizes a Server for the admin surface.
type ServerStats struct {
	ID    string     `json:"id"`
	Addr  string     `json:"addr"`
	Peers []PeerInfo `json:"peers"`
}

type RemoveArgs struct {
	ID string `json:"id"`
}

type RemoveReply struct {
	Removed bool `json:"removed"`
}

// Servers lists the servers the client multiplexes over.
func (a *AdminService) Servers(_ *http.Request, _ *EmptyArgs, reply *ServersReply) error {
	if a.Client == nil {
		return errNoClient
	}
	reply.Servers = a.Client.Servers()
	return nil
}

func (a *AdminService) Stats(_ *http.Request, _ *EmptyArgs, reply *StatsReply) error {
	if a.Client != nil {
		st := a.Client.Stats()
		reply.Client = &st
	}
	if a.Server != nil {
		reply.Server = &ServerStats{ID: a.Server.ID(), Addr: a.Server.Addr(), Peers: a.Server.Peers()}
	}
	return nil
}

// Remove deregisters a server from the client.
func (a *AdminService) Remove(_ *http.Request, args *RemoveArgs, reply *RemoveReply) error {
	if a.Client == nil {
		return errNoClient
	}
	if args.ID == "" {
		return errors.New("admin: id is required")
	}
	reply.Removed = a.Client.RemoveServer(args.ID)
	return nil
}

// NewAdminHandler serves svc at AdminPath and Prometheus metrics at
// MetricsPath.
func NewAdminHandler(svc *AdminService) (http.Handler, error) {
	RegisterMetrics()
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(svc, "Admin"); err != nil {
		return nil, fmt.Errorf("register admin service: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(AdminPath, s)
	mux.Handle(MetricsPath, promhttp.Handler())
	return mux, nil
}

// AdminServer is the HTTP listener of the admin surface.
type AdminServer struct {
	ln  net.Listener
	srv *http.Server
	log *logrus.Entry
}

func ListenAdmin(addr string, svc *AdminService) (*AdminServer, error) {
	h, err := NewAdminHandler(svc)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen: %w", err)
	}
	return &AdminServer{
		ln:  ln,
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		log: logrus.WithField("component", "admin"),
	}, nil
}

func (a *AdminServer) Addr() string { return a.ln.Addr().String() }

// Serve blocks until ctx ends, then shuts the server down.
func (a *AdminServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(sctx)
	})
	defer stop()
	a.log.WithField("addr", a.Addr()).Info("admin serving")
	if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *AdminServer) Close() error {
	return a.srv.Close()
}
