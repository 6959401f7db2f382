// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the conversation log over HTTP and streams its
// changes to consumers over a websocket.
//
// # Endpoints
//
//   - GET    /health                          - Health check
//   - GET    /stats                           - Request counters
//   - GET    /v1/entries?offset=&limit=       - Page of entries plus total
//   - POST   /v1/entries                      - Append (optionally start a reply)
//   - DELETE /v1/entries?start=&count=        - Delete a range
//   - GET    /v1/entries/{id}                 - One entry by id
//   - PUT    /v1/entries/{index}              - Replace the content at index
//   - DELETE /v1/entries/{index}              - Delete one entry
//   - POST   /v1/entries/{index}/regenerate   - Regenerate an assistant entry
//   - POST   /v1/generations/{id}/stop        - Stop a running generation
//   - GET    /v1/stream                       - Websocket event channel
//
// Every mutation goes through a producer.Service, which publishes the
// matching event to the transport.Hub. A websocket client first receives a
// timeline_info snapshot, then every event in log order.
//
// # Middleware
//
//   - Panic recovery with stack trace logging
//   - Security headers
//   - Request logging (zap)
//   - Per-client rate limiting (golang.org/x/time/rate)
//
// # Usage
//
//	hub := transport.NewHub(logger, transport.HubOptions{})
//	svc := producer.NewService(st, src, hub, logger, producer.Options{})
//	srv := server.New(svc, hub, logger, server.Options{Addr: "127.0.0.1:8787"})
//	if err := srv.Run(ctx); err != nil {
//		logger.Fatal("server failed", zap.Error(err))
//	}
package server
