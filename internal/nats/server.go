package nats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream and bucket names on the hospital node side.
const (
	WebhookStream        = "WEBHOOK_EVENTS"
	WebhookSubjectPrefix = "webhook.events."

	PatientsBucket     = "PATIENTS"
	VisitsBucket       = "VISITS"
	CareContextsBucket = "CARE_CONTEXTS"
	// CareContextIndexBucket enforces at-most-one context per
	// (patientId, visitId) at the storage layer.
	CareContextIndexBucket = "CARE_CONTEXT_INDEX"
	HealthRecordsBucket    = "HEALTH_RECORDS"
	WebhookHistoryBucket   = "WEBHOOK_HISTORY"
)

// Stream and bucket names on the gateway side.
const (
	DispatchStream        = "GW_DISPATCH"
	DispatchSubjectPrefix = "gw.dispatch."

	BridgesBucket       = "BRIDGES"
	ClientsBucket       = "CLIENTS"
	DataRequestsBucket  = "DATA_REQUESTS"
	LinksBucket         = "LINKS"
	RecordNoticesBucket = "RECORD_NOTICES"
)

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1, // random port, internal use only
		HTTPPort:  -1, // HTTP monitoring disabled
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("store directory could not be created: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("NATS server could not be created: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("NATS server did not become ready")
	}

	slog.Info("Embedded NATS server started", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS connection failed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("JetStream could not be initialized: %w", err)
	}

	return &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}, nil
}

// SetupHospitalStores creates the webhook event stream and the KV buckets
// a hospital node persists into.
func (es *EmbeddedServer) SetupHospitalStores(ctx context.Context) error {
	streamConfig := jetstream.StreamConfig{
		Name:        WebhookStream,
		Description: "Inbound webhook delivery queue",
		Subjects:    []string{WebhookSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     1000000,
	}

	if _, err := es.js.CreateOrUpdateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("webhook stream could not be created: %w", err)
	}
	slog.Info("WEBHOOK_EVENTS stream created")

	buckets := []jetstream.KeyValueConfig{
		{Bucket: PatientsBucket, Description: "Registered patients", Storage: jetstream.FileStorage},
		{Bucket: VisitsBucket, Description: "Patient visits", Storage: jetstream.FileStorage},
		{Bucket: CareContextsBucket, Description: "Care contexts", Storage: jetstream.FileStorage},
		{Bucket: CareContextIndexBucket, Description: "Care context uniqueness index by patient/visit", Storage: jetstream.FileStorage},
		{Bucket: HealthRecordsBucket, Description: "Health record references", Storage: jetstream.FileStorage},
		{Bucket: WebhookHistoryBucket, Description: "Webhook event history and processed flags", Storage: jetstream.FileStorage, TTL: 7 * 24 * time.Hour},
	}

	return es.createBuckets(ctx, buckets)
}

// SetupGatewayStores creates the outbound dispatch stream and the KV
// buckets the gateway persists into.
func (es *EmbeddedServer) SetupGatewayStores(ctx context.Context) error {
	streamConfig := jetstream.StreamConfig{
		Name:        DispatchStream,
		Description: "Outbound webhook dispatch queue",
		Subjects:    []string{DispatchSubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     1000000,
	}

	if _, err := es.js.CreateOrUpdateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("dispatch stream could not be created: %w", err)
	}
	slog.Info("GW_DISPATCH stream created")

	buckets := []jetstream.KeyValueConfig{
		{Bucket: BridgesBucket, Description: "Bridge registrations", Storage: jetstream.FileStorage, History: 10},
		{Bucket: ClientsBucket, Description: "Client credential hashes", Storage: jetstream.FileStorage},
		{Bucket: DataRequestsBucket, Description: "Data requests by correlation ID", Storage: jetstream.FileStorage},
		{Bucket: LinksBucket, Description: "Care context links", Storage: jetstream.FileStorage},
		{Bucket: RecordNoticesBucket, Description: "Health record availability notices", Storage: jetstream.FileStorage},
	}

	return es.createBuckets(ctx, buckets)
}

func (es *EmbeddedServer) createBuckets(ctx context.Context, buckets []jetstream.KeyValueConfig) error {
	for _, cfg := range buckets {
		if _, err := es.js.CreateKeyValue(ctx, cfg); err != nil {
			if err == jetstream.ErrBucketExists {
				continue
			}
			return fmt.Errorf("%s KV store could not be created: %w", cfg.Bucket, err)
		}
		slog.Info("KV store created", "bucket", cfg.Bucket)
	}
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS server stopped")
}
