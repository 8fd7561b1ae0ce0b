// Package chatgate guards chat endpoints with per-identity request quotas
// and an optional human-verification challenge.
//
// Every request on a gated route is charged to an identity: the subject of
// a verified JWT, a session cookie, or a salted digest of the client
// address. Counters for the minute, hour, day and month windows live in a
// shared quota store (memory, Redis or SQL) so every gate instance enforces
// the same budget.
//
// # Quick Start
//
//	go install github.com/kadirpekel/chatgate/cmd/chatgate@latest
//
// Write a configuration:
//
//	server:
//	  port: 8080
//	  upstream_url: http://localhost:3000
//	gate:
//	  limits:
//	    minute: 10
//	    day: 300
//	  routes: ["/api/chat", "/api/chat/**"]
//
// Start the gate:
//
//	chatgate serve --config chatgate.yaml
//
// # Embedding
//
// Hosts with their own HTTP or gRPC server mount the gate directly:
//
//	srv, _ := server.New(ctx, cfg, provider)
//	mux.Handle("/api/", srv.Gate().Middleware(chatHandler))
//	grpc.NewServer(grpc.UnaryInterceptor(srv.Gate().UnaryServerInterceptor()))
//
// See packages gate, ratelimit, verification and admin for the individual
// components.
package chatgate
