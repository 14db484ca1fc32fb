// Package server exposes the resolver over HTTP: GET /?magnet=...
// answers with the torrent as JSON or, with direct=1, as a .torrent
// attachment.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/magnetgo/magnet2torrent/resolver"
)

const resolveTimeout = 60 * time.Second

type Server struct {
	resolver *resolver.Resolver
	apiKey   string
	logger   *zap.Logger
	inner    *fasthttp.Server
}

type torrentResponse struct {
	Status      string `json:"status"`
	FileName    string `json:"filename,omitempty"`
	TorrentData string `json:"torrent_data,omitempty"`
}

func New(res *resolver.Resolver, apiKey string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	s := &Server{
		resolver: res,
		apiKey:   apiKey,
		logger:   logger.Named("server"),
	}
	s.inner = &fasthttp.Server{
		Handler:      s.handle,
		Name:         "magnet2torrent",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: resolveTimeout + 10*time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	return s.inner.ListenAndServe(addr)
}

// Serve accepts connections from an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	return s.inner.Serve(listener)
}

func (s *Server) Shutdown() error {
	return s.inner.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		writeStatus(ctx, fasthttp.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	if s.apiKey != "" && string(ctx.QueryArgs().Peek("apikey")) != s.apiKey {
		writeStatus(ctx, fasthttp.StatusUnauthorized, "invalid api key")
		return
	}
	magnetURI := string(ctx.QueryArgs().Peek("magnet"))
	if magnetURI == "" {
		writeStatus(ctx, fasthttp.StatusBadRequest, "missing magnet parameter")
		return
	}

	// The RequestCtx is a context.Context tied to the request lifetime,
	// so a server shutdown aborts in-flight resolutions instead of
	// letting them run out the full timeout.
	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	torrent, err := s.resolver.Resolve(resolveCtx, magnetURI)
	if err != nil {
		s.logger.Warn("resolution failed", zap.Error(err))
		writeStatus(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	encoded, err := torrent.Encode()
	if err != nil {
		writeStatus(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	if ctx.QueryArgs().GetBool("direct") {
		ctx.SetContentType("application/x-bittorrent")
		ctx.Response.Header.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", torrent.FileName()))
		ctx.SetBody(encoded)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, torrentResponse{
		Status:      "success",
		FileName:    torrent.FileName(),
		TorrentData: base64.StdEncoding.EncodeToString(encoded),
	})
}

func writeStatus(ctx *fasthttp.RequestCtx, code int, message string) {
	writeJSON(ctx, code, torrentResponse{Status: message})
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, response torrentResponse) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json; charset=utf-8")
	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(body)
}
