// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"lix.dev/core/internal/build"
	"lix.dev/core/internal/buildhook"
	"lix.dev/core/internal/config"
	"lix.dev/core/internal/executor"
	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/helper"
	"lix.dev/core/internal/jsonrpc"
	"lix.dev/core/internal/localstore"
	"lix.dev/core/internal/metrics"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/storepath"
)

// Method names for the daemon's client-facing protocol, the same role
// zbstore.ExistsMethod/zbstore.RealizeMethod play for the teacher's
// evaluator-fronted daemon, scoped down to this store's own surface.
const (
	existsMethod        = "exists"
	queryPathInfoMethod = "queryPathInfo"
	buildMethod         = "build"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "run the store and build daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *globalFlags) error {
	o, err := openStore(g)
	if err != nil {
		return err
	}
	defer o.Close()

	if err := ensureParentDir(o.cfg.StoreSocket); err != nil {
		return err
	}
	os.Remove(o.cfg.StoreSocket)
	l, err := net.Listen("unix", o.cfg.StoreSocket)
	if err != nil {
		return err
	}
	defer l.Close()

	buildPool := goalgraph.NewPool(max(1, o.cfg.MaxJobs), o.metrics)
	substitutePool := goalgraph.NewPool(max(1, o.cfg.MaxSubstitutionJobs), o.metrics)
	substituteMgr, err := newSubstituteManager(ctx, o, substitutePool)
	if err != nil {
		return fmt.Errorf("configure substituters: %w", err)
	}
	defer substituteMgr.Cancel()

	exec := executor.New(executor.Config{
		BuildDir:   o.cfg.StateDir,
		KeepFailed: o.cfg.KeepFailed,
	})

	buildMgr := build.NewManager(ctx, build.Config{
		Local:      o.local,
		Substitute: substituteMgr,
		Executor:   exec,
		Hook:       newBuildHook(o.cfg),
		Pool:       buildPool,
		Locks:      new(goalgraph.KeyedLock[storepath.Path]),
		KeepGoing:  true,
		Metrics:    o.metrics,
	})
	defer buildMgr.Cancel()

	srv := &storeServer{dir: o.cfg.StoreDirectory, local: o.local, build: buildMgr}

	if o.cfg.MetricsListen != "" {
		go serveMetrics(ctx, o.cfg.MetricsListen)
	}

	log.Infof(ctx, "Listening on %s", o.cfg.StoreSocket)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf(ctx, "sd_notify: %v", err)
	} else if ok {
		log.Debugf(ctx, "Notified systemd readiness")
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := jsonrpc.Serve(ctx, jsonrpc.NewServerCodec(conn), srv); err != nil {
				log.Debugf(ctx, "Connection closed: %v", err)
			}
		}()
	}
}

// newBuildHook returns the configured external build hook, or nil if none
// is configured, in which case every build runs through the local
// executor directly.
func newBuildHook(cfg *config.Config) build.BuildHook {
	if cfg.BuildHookProgram == "" {
		return nil
	}
	helperPath, err := helperClientPath()
	if err != nil {
		log.Warnf(context.Background(), "locate helper binary: %v; build hook disabled", err)
		return nil
	}
	return &buildhook.Pool{
		Client: helper.NewClient(helperPath),
		Prog:   cfg.BuildHookProgram,
		Args:   cfg.BuildHookArgs,
	}
}

// helperClientPath locates the privileged cmd/lix-helper binary,
// conventionally installed alongside lixd itself.
func helperClientPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), "lix-helper"), nil
}

// serveMetrics runs the Prometheus exposition endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.CombinedLoggingHandler(os.Stderr, mux),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf(ctx, "metrics server: %v", err)
	}
}

// storeServer dispatches a store connection's JSON-RPC requests, the same
// role storeServer plays in the teacher's cmd/zb/serve.go, pared down to
// exists/queryPathInfo/build instead of the evaluator-fronted surface.
type storeServer struct {
	dir   storepath.Directory
	local *localstore.Store
	build *build.Manager
}

func (s *storeServer) JSONRPC(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.ServeMux{
		existsMethod:        jsonrpc.HandlerFunc(s.exists),
		queryPathInfoMethod: jsonrpc.HandlerFunc(s.queryPathInfo),
		buildMethod:         jsonrpc.HandlerFunc(s.realize),
	}.JSONRPC(ctx, req)
}

type existsRequest struct {
	Path string `json:"path"`
}

func (s *storeServer) exists(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args existsRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, _, err := s.dir.ParsePath(args.Path)
	if err != nil {
		return &jsonrpc.Response{Result: json.RawMessage("false")}, nil
	}
	info, err := s.local.QueryPathInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return &jsonrpc.Response{Result: json.RawMessage("false")}, nil
	}
	return &jsonrpc.Response{Result: json.RawMessage("true")}, nil
}

type queryPathInfoRequest struct {
	Path string `json:"path"`
}

func (s *storeServer) queryPathInfo(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args queryPathInfoRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, _, err := s.dir.ParsePath(args.Path)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	info, err := s.local.QueryPathInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: result}, nil
}

type buildRequest struct {
	DrvPath string   `json:"drvPath"`
	Wanted  []string `json:"wanted,omitempty"`
}

type buildResponse struct {
	Code int `json:"code"`
}

func (s *storeServer) realize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args buildRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	drvPath, _, err := s.dir.ParsePath(args.DrvPath)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	result, err := s.build.Build(ctx, drvPath, sortedset.New(args.Wanted...))
	if err != nil {
		return nil, err
	}
	resp, err := json.Marshal(buildResponse{Code: int(result.Code)})
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{Result: resp}, nil
}
