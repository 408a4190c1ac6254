// Package database - Handles all interaction with ArangoDB
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Collection names
const (
	ProjectCollection          = "project"
	SnapshotCollection         = "snapshot"
	ComponentCollection        = "component"
	ComponentVersionCollection = "component_version"
	DependencyCollection       = "dependency"
	VulnerabilityCollection    = "vulnerability"
	MetadataCollection         = "vulnerability_metadata"
	AdvisoryCollection         = "advisory"
	AlertCollection            = "alert"
	FeedStateCollection        = "metadata"
)

// DBConnection is the structure that defined the database engine and collections
type DBConnection struct {
	Collections map[string]arangodb.Collection
	Database    arangodb.Database
}

// Config holds the connection settings for ArangoDB
type Config struct {
	URL             string
	User            string
	Password        string
	Database        string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Define a struct to hold the index definition
type indexConfig struct {
	Collection string
	IdxName    string
	IdxFields  []string
	Unique     bool
	Sparse     bool
}

var documentCollections = []string{
	ProjectCollection, SnapshotCollection, ComponentCollection, ComponentVersionCollection,
	VulnerabilityCollection, MetadataCollection, AdvisoryCollection, AlertCollection, FeedStateCollection,
}

var edgeCollections = []string{DependencyCollection}

var idxList = []indexConfig{
	{Collection: ProjectCollection, IdxName: "project_name", IdxFields: []string{"name"}, Unique: true},

	{Collection: SnapshotCollection, IdxName: "snapshot_project_sequence", IdxFields: []string{"project_id", "sequence"}, Unique: true},
	{Collection: SnapshotCollection, IdxName: "snapshot_state", IdxFields: []string{"state"}},

	// Component identity is logical, so the natural key is enforced by the index
	{Collection: ComponentCollection, IdxName: "component_identity", IdxFields: []string{"type", "manager", "namespace", "name"}, Unique: true},
	{Collection: ComponentVersionCollection, IdxName: "component_version_identity", IdxFields: []string{"component_id", "version"}, Unique: true},

	{Collection: DependencyCollection, IdxName: "dependency_snapshot", IdxFields: []string{"snapshot_id"}},
	{Collection: DependencyCollection, IdxName: "dependency_snapshot_version", IdxFields: []string{"snapshot_id", "component_version_id"}, Unique: true},

	// Candidate lookup for matching is by package name within ecosystem
	{Collection: VulnerabilityCollection, IdxName: "vulnerability_package", IdxFields: []string{"ecosystem", "package_name_lower"}},
	{Collection: VulnerabilityCollection, IdxName: "vulnerability_id", IdxFields: []string{"id"}},
	{Collection: VulnerabilityCollection, IdxName: "vulnerability_namespace", IdxFields: []string{"namespace"}},
	{Collection: MetadataCollection, IdxName: "metadata_id", IdxFields: []string{"id"}},

	{Collection: AdvisoryCollection, IdxName: "advisory_name", IdxFields: []string{"name"}, Unique: true},

	{Collection: AlertCollection, IdxName: "alert_triple", IdxFields: []string{"snapshot_id", "dependency_id", "advisory_id"}, Unique: true},
	{Collection: AlertCollection, IdxName: "alert_project_state", IdxFields: []string{"project_id", "state"}},
	{Collection: AlertCollection, IdxName: "alert_snapshot", IdxFields: []string{"snapshot_id"}},
}

// InitLogger sets up the Zap Logger to log to the console in a human readable format
func InitLogger(verbose bool) *zap.Logger {
	prodConfig := zap.NewProductionConfig()
	if verbose {
		prodConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	prodConfig.Encoding = "console"
	prodConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	prodConfig.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	logger, _ := prodConfig.Build()
	return logger
}

func dbConnectionConfig(endpoint connection.Endpoint, dbuser string, dbpass string) connection.HttpConfiguration {
	return connection.HttpConfiguration{
		Authentication: connection.NewBasicAuth(dbuser, dbpass),
		Endpoint:       endpoint,
		ContentType:    connection.ApplicationJSON,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402
			},
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 90 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// InitializeDatabase connects to the db engine, creating the database, collections and indexes
func InitializeDatabase(ctx context.Context, cfg Config, logger *zap.Logger) (DBConnection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var client arangodb.Client

	//
	// Database connection with backoff retry
	//

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime // 0 retries forever

	err := backoff.RetryNotify(func() error {
		logger.Sugar().Infof("Attempting to connect to ArangoDB at %s", cfg.URL)
		endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
		conn := connection.NewHttpConnection(dbConnectionConfig(endpoint, cfg.User, cfg.Password))

		client = arangodb.NewClient(conn)

		versionInfo, err := client.Version(ctx)
		if err != nil {
			return err
		}

		logger.Sugar().Infof("Database has version '%s' and license '%s'", versionInfo.Version, versionInfo.License)
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Sugar().Warnf("Retrying connection to ArangoDB in %s: %v", wait, err)
	})
	if err != nil {
		return DBConnection{}, fmt.Errorf("connecting to ArangoDB: %w", err)
	}

	//
	// Database creation
	//

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		return DBConnection{}, err
	}

	//
	// Collection creation for document and edge storage
	//

	collections := make(map[string]arangodb.Collection)

	for _, name := range documentCollections {
		col, err := ensureCollection(ctx, db, name, nil)
		if err != nil {
			return DBConnection{}, err
		}
		collections[name] = col
	}

	edgeType := arangodb.CollectionTypeEdge
	for _, name := range edgeCollections {
		col, err := ensureCollection(ctx, db, name, &arangodb.CreateCollectionPropertiesV2{Type: &edgeType})
		if err != nil {
			return DBConnection{}, err
		}
		collections[name] = col
	}

	//
	// Index creation
	//

	for _, idx := range idxList {
		if err := ensureIndex(ctx, collections[idx.Collection], idx, logger); err != nil {
			return DBConnection{}, err
		}
	}

	return DBConnection{Collections: collections, Database: db}, nil
}

func ensureDatabase(ctx context.Context, client arangodb.Client, name string) (arangodb.Database, error) {
	dblist, err := client.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	for _, dbinfo := range dblist {
		if dbinfo.Name() == name {
			var options arangodb.GetDatabaseOptions
			db, err := client.GetDatabase(ctx, name, &options)
			if err != nil {
				return nil, fmt.Errorf("failed to get database %s: %w", name, err)
			}
			return db, nil
		}
	}

	db, err := client.CreateDatabase(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return db, nil
}

func ensureCollection(ctx context.Context, db arangodb.Database, name string, props *arangodb.CreateCollectionPropertiesV2) (arangodb.Collection, error) {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checking collection %s: %w", name, err)
	}

	if exists {
		var options arangodb.GetCollectionOptions
		col, err := db.GetCollection(ctx, name, &options)
		if err != nil {
			return nil, fmt.Errorf("failed to use collection %s: %w", name, err)
		}
		return col, nil
	}

	col, err := db.CreateCollectionV2(ctx, name, props)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return col, nil
}

func ensureIndex(ctx context.Context, col arangodb.Collection, idx indexConfig, logger *zap.Logger) error {
	if indexes, err := col.Indexes(ctx); err == nil {
		for _, index := range indexes {
			if idx.IdxName == index.Name {
				return nil
			}
		}
	}

	unique := idx.Unique
	sparse := idx.Sparse
	indexOptions := arangodb.CreatePersistentIndexOptions{
		Unique: &unique,
		Sparse: &sparse,
		Name:   idx.IdxName,
	}

	if _, _, err := col.EnsurePersistentIndex(ctx, idx.IdxFields, &indexOptions); err != nil {
		return fmt.Errorf("creating index %s on %s: %w", idx.IdxName, idx.Collection, err)
	}
	logger.Sugar().Infof("Created index: %s on %s.%v", idx.IdxName, idx.Collection, idx.IdxFields)
	return nil
}
