// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package server runs chatgate as a standalone reverse proxy.
//
// Requests on gated routes pass through the gate before reaching the
// upstream chat backend. The server also exposes:
//
//	GET  /health          liveness
//	GET  /metrics         Prometheus metrics (observability.metrics.enabled)
//	GET  /schema          JSON Schema of the configuration file
//	POST /verify          challenge proof submission (server.verify_path)
//	     /admin/...       admin API (server.admin_token)
package server
