// Package feedgate exposes the Go APIs behind the artifact resolution
// service: given an application name and a client identifier it locates the
// right objects in Azure Blob Storage via per-application strategies and
// hands back short-lived, read-only download links.
//
// # Running a server
//
// The server listens on the address specified by Config.Listen and serves
// POST /download, GET /applications, and health probes. Metadata comes from
// MongoDB; object storage is reached through per-account blob clients.
//
//	cfg := feedgate.Config{
//	    Listen:                ":8455",
//	    MongoURI:              "mongodb://localhost:27017",
//	    UploadsDatabase:       "uploads",
//	    UploadsCollection:     "upload_tracking",
//	    IntegrationDatabase:   "integrations",
//	    IntegrationCollection: "client_records",
//	    Applications: map[string]feedgate.AppProfile{
//	        "F5": {Account: "reportsacct", Containers: []string{"reports"}},
//	    },
//	}
//	srv, err := feedgate.NewServer(context.Background(), cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("feedgate: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("feedgate shutdown: %v", err)
//	    }
//	}()
//
// # Resolution strategies
//
// Each application is bound at compile time to one of four strategies:
// upload-tracking (join against the newest upload record), processed-workbook
// (exact filename matches from the integration record), content-match (scan
// object content for the client's account name), and recency (newest object
// whose name embeds the client id). See the internal/resolve package for the
// exact semantics.
package feedgate
