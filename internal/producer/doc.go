// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package producer owns the conversation log on the producing side.
//
// A Service applies every mutation to a store.LogStore and publishes the
// event that announces it while holding one lock, so consumers see events
// in the order the log changed. Assistant replies are produced by a
// generate.Source; tokens are batched by a Buffer and each flush becomes one
// stream_update slice computed by the diff encoder.
//
// Usage:
//
//	hub := transport.NewHub(logger, transport.HubOptions{})
//	svc := producer.NewService(st, src, hub, logger, producer.Options{})
//	defer svc.Close()
//
//	user, reply, err := svc.Append(ctx, model.RoleUser, "hello", nil, true)
package producer
