package queueflow

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/queueflow/internal/runtime"
	bodypkg "github.com/drblury/queueflow/internal/runtime/body"
	bridgepkg "github.com/drblury/queueflow/internal/runtime/bridge"
	configpkg "github.com/drblury/queueflow/internal/runtime/config"
	errspkg "github.com/drblury/queueflow/internal/runtime/errors"
	idspkg "github.com/drblury/queueflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/queueflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queueflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/queueflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/queueflow/internal/runtime/metrics"
	postmanpkg "github.com/drblury/queueflow/internal/runtime/postman"
	pubsubpkg "github.com/drblury/queueflow/internal/runtime/pubsub"
	routerpkg "github.com/drblury/queueflow/internal/runtime/router"
	trackingpkg "github.com/drblury/queueflow/internal/runtime/tracking"
	triepkg "github.com/drblury/queueflow/internal/runtime/trie"
	txlimitpkg "github.com/drblury/queueflow/internal/runtime/txlimit"
	"github.com/drblury/queueflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ComponentInfo       = runtimepkg.ComponentInfo
	Status              = runtimepkg.Status

	Message     = transport.Message
	Transport   = transport.Transport
	Queue       = transport.Queue
	Transaction = transport.Transaction
	AckClass    = transport.AckClass

	Metadata    = metadatapkg.Metadata
	ProtoOption = bodypkg.ProtoOption

	// Acknowledgment tracking
	Postman        = postmanpkg.Postman
	PostmanOptions = postmanpkg.Options
	TrackingKey    = trackingpkg.Key

	// Transactional batch routing
	Router            = routerpkg.Router
	RouterOptions     = routerpkg.Options
	RouterState       = routerpkg.State
	RouteFunc         = routerpkg.RouteFunc
	BadMessageHandler = routerpkg.BadMessageHandler
	RouterHooks       = routerpkg.Hooks
	BatchInfo         = routerpkg.BatchInfo
	DeliveryInfo      = routerpkg.DeliveryInfo
	QuarantineInfo    = routerpkg.QuarantineInfo

	// Label subscriptions and pub-sub
	Trie[T comparable]       = triepkg.Trie[T]
	TrieOptions              = triepkg.Options
	TrieHandle[T comparable] = triepkg.Handle[T]
	Dispatcher               = pubsubpkg.Dispatcher
	DispatcherOptions        = pubsubpkg.DispatcherOptions
	Subscription             = pubsubpkg.Subscription
	Callback                 = pubsubpkg.Callback
	Proxy                    = pubsubpkg.Proxy
	ProxyOptions             = pubsubpkg.ProxyOptions
	BreakerOptions           = pubsubpkg.BreakerOptions
	PubSubClient             = pubsubpkg.Client
	ControlAction            = pubsubpkg.Action

	// Watermill bridge
	Publisher         = bridgepkg.Publisher
	PublisherOptions  = bridgepkg.PublisherOptions
	Subscriber        = bridgepkg.Subscriber
	SubscriberOptions = bridgepkg.SubscriberOptions

	TransactionLimiter = txlimitpkg.Limiter
	MetricsCollector   = metricspkg.Collector

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	AckError              = errspkg.AckError
	RoutingError          = errspkg.RoutingError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewPostman           = postmanpkg.New
	NewRouter            = routerpkg.New
	NewDispatcher        = pubsubpkg.NewDispatcher
	NewProxy             = pubsubpkg.NewProxy
	NewPubSubClient      = pubsubpkg.NewClient
	NewPublisher         = bridgepkg.NewPublisher
	NewSubscriber        = bridgepkg.NewSubscriber
	NewTransactionLimit  = txlimitpkg.New
	NewMetricsCollector  = metricspkg.New
	LoggingHooks         = routerpkg.LoggingHooks
	ToWatermillMessage   = bridgepkg.FromTransport
	FromWatermillMessage = bridgepkg.ToTransport

	NewJSONMessage = bodypkg.NewJSONMessage
	WithProtoJSON  = bodypkg.WithProtoJSON

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	AckClassOf = errspkg.AckClassOf

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrTransportRequired   = errspkg.ErrTransportRequired
	ErrPostmanRequired     = errspkg.ErrPostmanRequired
	ErrInputQueueRequired  = errspkg.ErrInputQueueRequired
	ErrAdminQueueRequired  = errspkg.ErrAdminQueueRequired
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrAlreadyStarted      = errspkg.ErrAlreadyStarted
	ErrTrackingExpired     = errspkg.ErrTrackingExpired
	ErrAckTimeout          = errspkg.ErrAckTimeout
	ErrNegativeAck         = errspkg.ErrNegativeAck
	ErrNoDestination       = errspkg.ErrNoDestination
	ErrRoutingPanic        = errspkg.ErrRoutingPanic

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger     = loggingpkg.NewZapServiceLogger
	NewNopServiceLogger     = loggingpkg.NewNopServiceLogger
	NewDefaultServiceLogger = loggingpkg.NewDefaultServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Control actions understood by a Proxy, carried in Message.AppSpecific.
const (
	ActionPublish     = pubsubpkg.ActionPublish
	ActionSubscribe   = pubsubpkg.ActionSubscribe
	ActionUnsubscribe = pubsubpkg.ActionUnsubscribe
	ActionClear       = pubsubpkg.ActionClear
)

// Router states.
const (
	RouterStopped    = routerpkg.Stopped
	RouterRecovering = routerpkg.Recovering
	RouterRunning    = routerpkg.Running
)

// Metadata keys queueflow writes into message properties.
const (
	MetadataKeyLabel          = metadatapkg.KeyLabel
	MetadataKeyCorrelationID  = metadatapkg.KeyCorrelationID
	MetadataKeyResponseQueue  = metadatapkg.KeyResponseQueue
	MetadataKeyRoutedFrom     = metadatapkg.KeyRoutedFrom
	MetadataKeyPublishedLabel = metadatapkg.KeyPublishedLabel
	MetadataKeyContentType    = metadatapkg.KeyContentType
)

// NewTrie creates an empty label subscription trie.
func NewTrie[T comparable](opts TrieOptions) (*Trie[T], error) {
	return triepkg.New[T](opts)
}

// SubscribeJSON registers a callback receiving bodies decoded into T.
func SubscribeJSON[T any](d *Dispatcher, label string, fn func(ctx context.Context, v T, msg *Message) error) (*Subscription, error) {
	return pubsubpkg.SubscribeJSON(d, label, fn)
}

// SubscribeProto registers a callback receiving bodies decoded into T.
func SubscribeProto[T proto.Message](d *Dispatcher, label string, fn func(ctx context.Context, v T, msg *Message) error) (*Subscription, error) {
	return pubsubpkg.SubscribeProto(d, label, fn)
}

// NewProtoMessage encodes m into a message carrying label.
func NewProtoMessage(label string, m proto.Message, props Metadata, opts ...ProtoOption) (*Message, error) {
	return bodypkg.NewProtoMessage(label, m, props, opts...)
}

// DecodeJSON decodes a JSON message body into T.
func DecodeJSON[T any](msg *Message) (T, error) {
	return bodypkg.DecodeJSON[T](msg)
}

// DecodeProto decodes a protobuf message body into T.
func DecodeProto[T proto.Message](msg *Message) (T, error) {
	return bodypkg.DecodeProto[T](msg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
