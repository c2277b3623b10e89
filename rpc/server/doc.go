// Package server implements the RPC server of sealfs and the handlers it
// ships with.
//
// The package focuses on:
//   - Accepting connections and serving each one in its own goroutine
//   - Isolating failures: a broken frame, a failing or panicking handler or a
//     write error only ends the affected connection
//   - Graceful shutdown that lets in-flight requests finish
//
// Key Components:
//
//   - Handler: The contract between the transport and the application. The
//     server calls Dispatch once per request and writes its Response back with
//     the call id of the request.
//
//   - Server: Accept loop, per connection read loop with optional pipelining
//     (MaxWorkersPerConn), dispatch rate limiting and idle timeouts.
//
//   - ManagerHandler: Cluster manager that keeps a lease per server announced
//     by heartbeats and answers cluster status requests.
//
//   - FileHandler: In-memory storage node serving the basic file operations.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Endpoint:          ":8085",
//	  MaxWorkersPerConn: 1,
//	  TimeoutSecond:     60,
//	}
//
//	s, err := server.NewServer(server.NewManagerHandler(serializer.NewMsgpackSerializer()),
//	  config, tcp.NewServerConnector())
//	if err != nil {
//	  return err
//	}
//	go s.Run()
//	...
//	s.Shutdown(5 * time.Second)
//
// Thread Safety:
//
//	Handlers are invoked concurrently from all connections. The bundled
//	handlers synchronize their state internally.
package server
