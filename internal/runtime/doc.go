/*
Package runtime assembles queueflow components into a Service.

# Service (service.go)

NewService validates the configuration, builds the transport through the
transport registry (or takes the one in ServiceDependencies) and creates the
shared infrastructure:
  - postman.Postman listening on the administration queue
  - handles.Cache of destination send handles
  - txlimit.Limiter bounding open transactions
  - metrics.Collector when MetricsEnabled is set

Components created with NewRouter, NewDispatcher and NewProxy receive that
infrastructure for every option left zero. Start starts the postman and then
the components in creation order; Stop reverses it. NewClient, NewPublisher
and NewSubscriber create clients that are released by Close.

# Status (status.go)

With HTTPPort set, Start serves /api/status (components, pending tracking
entries, open transactions, per-queue counters) and /metrics for Prometheus.
Additional handlers can be mounted with RegisterHTTPHandler.

# Subpackages

  - postman, tracking: acknowledgment tracking
  - router: transactional batch routing with recovery and quarantine
  - trie, pubsub: label subscriptions, local dispatch and the remote proxy
  - bridge: Watermill publisher and subscriber over queues
  - handles, txlimit: shared send-handle cache and transaction limiter
  - body, metadata, jsoncodec, ids: message bodies, properties and ids
  - config, errors, logging, metrics: ambient concerns
*/
package runtime
