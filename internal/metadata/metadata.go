// Package metadata reads client records from the two MongoDB collections the
// upstream integrations maintain: an upload-tracking collection and a generic
// per-client integration-record collection. Both are read-only from here.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrNotFound indicates no record exists for the requested client.
var ErrNotFound = errors.New("metadata: not found")

// DefaultConnectTimeout bounds the initial connect/ping round-trip.
const DefaultConnectTimeout = 10 * time.Second

// UploadEntry is one upload reference inside an upload-tracking record.
type UploadEntry struct {
	UploadID string `bson:"upload_id"`
}

// UploadRecord is the newest upload-tracking document for a client.
type UploadRecord struct {
	CompanyID       string        `bson:"company_id"`
	CreatedOn       time.Time     `bson:"created_on"`
	AssetAddUploads []UploadEntry `bson:"asset_add_uploads"`
}

// ConnectionDetail carries the account name used for content matching.
type ConnectionDetail struct {
	CSPAccountName string `bson:"csp_acct_name"`
}

// IntegrationRecord is the generic per-client integration document. All
// top-level scalar string fields stay addressable by name so strategies can
// select their application-specific filename subset.
type IntegrationRecord struct {
	CompanyID         string
	ConnectionDetails []ConnectionDetail
	Fields            map[string]string
}

// Field returns the named string field, or "" when absent.
func (r *IntegrationRecord) Field(name string) string {
	if r == nil {
		return ""
	}
	return r.Fields[name]
}

// Config selects the databases and collections to read from.
type Config struct {
	URI                   string
	UploadsDatabase       string
	UploadsCollection     string
	IntegrationDatabase   string
	IntegrationCollection string
	ConnectTimeout        time.Duration
}

func (c Config) validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return fmt.Errorf("metadata: uri is required")
	}
	if c.UploadsDatabase == "" || c.UploadsCollection == "" {
		return fmt.Errorf("metadata: uploads database and collection are required")
	}
	if c.IntegrationDatabase == "" || c.IntegrationCollection == "" {
		return fmt.Errorf("metadata: integration database and collection are required")
	}
	return nil
}

// Store is the MongoDB-backed metadata client.
type Store struct {
	client       *mongo.Client
	uploads      *mongo.Collection
	integrations *mongo.Collection
}

// Connect establishes the client and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("metadata: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("metadata: ping: %w", err)
	}
	return &Store{
		client:       client,
		uploads:      client.Database(cfg.UploadsDatabase).Collection(cfg.UploadsCollection),
		integrations: client.Database(cfg.IntegrationDatabase).Collection(cfg.IntegrationCollection),
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies the primary is reachable. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// LatestUploadRecord returns the most recent upload-tracking record for the
// client, ordered by creation timestamp descending. ErrNotFound when none.
func (s *Store) LatestUploadRecord(ctx context.Context, companyID string) (*UploadRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_on", Value: -1}})
	var rec UploadRecord
	err := s.uploads.FindOne(ctx, bson.M{"company_id": companyID}, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadata: find upload record: %w", err)
	}
	return &rec, nil
}

// IntegrationRecord returns the single integration record for the client.
// One record per client is assumed, so a point lookup suffices.
func (s *Store) IntegrationRecord(ctx context.Context, companyID string) (*IntegrationRecord, error) {
	raw, err := s.integrations.FindOne(ctx, bson.M{"company_id": companyID}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadata: find integration record: %w", err)
	}
	rec, err := decodeIntegrationRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("metadata: decode integration record: %w", err)
	}
	return rec, nil
}

type integrationDoc struct {
	CompanyID         string             `bson:"company_id"`
	ConnectionDetails []ConnectionDetail `bson:"connection_details"`
	Rest              map[string]any     `bson:",inline"`
}

func decodeIntegrationRecord(raw bson.Raw) (*IntegrationRecord, error) {
	var doc integrationDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(doc.Rest))
	for name, value := range doc.Rest {
		if str, ok := value.(string); ok {
			fields[name] = str
		}
	}
	return &IntegrationRecord{
		CompanyID:         doc.CompanyID,
		ConnectionDetails: doc.ConnectionDetails,
		Fields:            fields,
	}, nil
}
