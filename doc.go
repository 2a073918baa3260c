// Package queueflow is a reliability layer over transactional message-queue
// transports. It tracks delivery acknowledgments, routes messages between
// queues in transactional batches, and fans messages out to label
// subscribers.
//
// A Service reads the transport (memory, SQLite or PostgreSQL) from Config and
// owns the infrastructure its components share: a Postman listening on the
// administration queue, a destination handle cache, a transaction limiter and
// an optional Prometheus collector. Components are created through the
// service and started with it:
//
//	svc, err := queueflow.NewService(&queueflow.Config{InputQueue: "orders"}, logger, ctx, queueflow.ServiceDependencies{})
//	router, err := svc.NewRouter(routeByCustomer, queueflow.RouterOptions{})
//	err = svc.Run(ctx)
//
// # Postman
//
// RequestDelivery writes a message inside a transaction and returns a
// TrackingKey. Once the transaction has committed, WaitForDelivery blocks until
// the transport acknowledged that the message reached its queue, or reports the
// negative acknowledgment as an *AckError. Multicast destinations succeed only
// when every destination does. Tracking entries expire after TrackingTTL and
// fail their waiters with ErrTrackingExpired.
//
// # Router
//
// The router drains its input queue in batches. Each message is routed, moved
// to the "inprogress" subqueue and sent in the batch transaction. After the
// commit the router waits for acknowledgments; delivered messages are removed
// from the in-progress subqueue and undeliverable ones are moved to the
// "poison" subqueue. On start, messages left in progress by a crash are
// re-routed and their acknowledgments awaited without sending them again, so
// routing must be deterministic.
//
// # Pub-sub
//
// Labels are dot-separated paths. A subscription pattern may end in "*",
// matching exactly one final segment, or "**", matching one or more trailing
// segments. A Dispatcher invokes in-process callbacks for a queue's messages.
// A Proxy keeps subscriber queues registered through control messages and
// forwards published messages to every queue whose pattern matches.
//
// # Watermill
//
// Publisher and Subscriber implement Watermill's message.Publisher and
// message.Subscriber. A subscribed message is received in a transaction that
// commits on Ack and aborts on Nack; publishing with the message's context
// joins that transaction.
package queueflow
