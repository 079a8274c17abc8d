package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/ingest"
	"github.com/mqy/minichat/ws"
)

type serverCfg struct {
	Addr     string
	Mux      *http.ServeMux
	Hub      *ws.Hub
	Ingester *ingest.Ingester

	// ChangedC carries changed conversations from ingester to hub.
	ChangedC chan []string
}

// server runs the http server, the ingester and the hub of one node.
type server struct {
	conf       *serverCfg
	httpServer *http.Server
}

func newServer(conf *serverCfg) *server {
	return &server{
		conf:       conf,
		httpServer: &http.Server{Handler: conf.Mux, ReadHeaderTimeout: 10 * time.Second},
	}
}

func (s *server) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("server is starting")

	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", s.conf.Addr)
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	ingestStopDoneC := make(chan struct{})
	hubStopDoneC := make(chan struct{})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpServer.Shutdown(shutdownCtx)
		cancel()
		glog.Infof("server: http server shutdown done")

		<-ingestStopDoneC
		close(ingestStopDoneC)
		glog.Infof("server: ingester stopped")

		<-hubStopDoneC
		close(hubStopDoneC)
		glog.Infof("server: hub stopped")

		glog.Infof("server: stopped")
		stopNotifyCh <- struct{}{}
	}()

	go s.conf.Ingester.Run(ctx, ingestStopDoneC)
	go s.conf.Hub.Run(ctx, s.conf.ChangedC, hubStopDoneC)

	<-ctx.Done()
	glog.Infof("server is stopping")
}

// healthHandler answers the connectivity probe of clients. ping checks the
// record store, nil means always healthy.
func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				glog.Errorf("healthz: %v", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}
}
