// Package veneer injects latency and fabricated responses into outbound
// connections so failure-handling code can be exercised without real
// failures.
//
// Behaviors are stored per target host in an object store (memory, disk, S3,
// AWS or Azure). Each behavior carries weighted latency variants and
// weighted response variants; on every dial one of each is drawn.
//
// # Embedding
//
//	cfg := veneer.Config{
//	    Store:     "disk:///var/lib/veneer",
//	    Namespace: "staging",
//	}
//	v, err := veneer.New(ctx, cfg, veneer.WithLogger(logger))
//	if err != nil { return err }
//	defer v.Close()
//
//	client := v.HTTPClient()
//	resp, err := client.Get("http://payments.internal/health")
//
// A response variant with intercept set never reaches the network: the
// dialer hands back an in-memory connection that yields
//
//	HTTP/1.1 <status_code> <reason>\r\nContent-Type: <content_type>\r\n\r\n<body>
//
// after the selected delay. Otherwise the real connection is dialed and
// its reads are held back for the delay.
//
// Unknown hosts are provisioned with a pass-through behavior so operators
// can find and edit them. Lookups never block on the store; the snapshot is
// refreshed in the background at most once per Config.RefreshInterval, or
// sooner when the backend publishes change notifications.
//
// # Handlers
//
// WrapHandler delays a function-style handler by the latency configured for
// its name:
//
//	h := veneer.WrapHandler(v, "checkout", checkout)
//	resp, err := h(ctx, req)
//
// # Forward proxy
//
// NewProxy exposes the same interception to processes that cannot be
// linked against the package: point HTTP_PROXY at Config.Listen. Only plain
// HTTP is proxied; CONNECT is answered with 501.
package veneer
