// Package resolve implements the multi-strategy artifact resolution engine:
// given an application and a client identifier it decides which stored
// objects are the right ones and issues scoped download links for them.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feedworks/feedgate/internal/metadata"
	"github.com/feedworks/feedgate/internal/storage"
	"pkt.systems/pslog"
)

// Strategy names one of the four fixed resolution algorithms.
type Strategy string

const (
	// StrategyUploadTracking joins against the newest upload-tracking record.
	StrategyUploadTracking Strategy = "upload-tracking"
	// StrategyProcessedWorkbook matches exact filenames from the integration record.
	StrategyProcessedWorkbook Strategy = "processed-workbook"
	// StrategyContentMatch inspects object content for the client's account name.
	StrategyContentMatch Strategy = "content-match"
	// StrategyRecency picks the newest object whose name embeds the client id.
	StrategyRecency Strategy = "recency"
)

// StrategyFor maps an application to its resolution strategy. The table is
// fixed at compile time so the binding stays auditable; every application
// without a dedicated row falls back to recency.
func StrategyFor(application string) Strategy {
	switch application {
	case "ATnA":
		return StrategyUploadTracking
	case "F5", "CHECKPOINT":
		return StrategyProcessedWorkbook
	case "PALOALTO":
		return StrategyContentMatch
	default:
		return StrategyRecency
	}
}

// workbookFields lists, per application, which integration-record fields
// carry processed workbook filenames. Order is the attempt order.
var workbookFields = map[string][]string{
	"F5": {
		"license_asset_summary_workbook_processed",
		"pricing_retired_workbook_processed",
		"pricing_active_workbook_processed",
	},
	"CHECKPOINT": {
		"orders_workbook_processed",
		"product_list_workbook_processed",
	},
}

// DefaultAccountColumn is the tabular column inspected by content matching.
const DefaultAccountColumn = "CSP Acct Name"

// DefaultLinkTTL bounds issued download links.
const DefaultLinkTTL = 15 * time.Minute

// Profile is the static storage topology of one application. Profiles are
// loaded once at process start and never change afterwards.
type Profile struct {
	Application string
	Account     string
	Containers  []string
}

// MatchedFile pairs a resolved object with its issued download link.
type MatchedFile struct {
	Container string
	Name      string
	URL       string
}

// Result is the outcome of a successful resolution. Files may be empty for
// the content-match and recency strategies, which report empty scans as
// success rather than failure.
type Result struct {
	Application string
	CompanyID   string
	Strategy    Strategy
	Files       []MatchedFile
}

// MetadataStore is the read-only metadata boundary the engine consumes.
type MetadataStore interface {
	LatestUploadRecord(ctx context.Context, companyID string) (*metadata.UploadRecord, error)
	IntegrationRecord(ctx context.Context, companyID string) (*metadata.IntegrationRecord, error)
}

// Config assembles an Engine.
type Config struct {
	Profiles      map[string]Profile
	Metadata      MetadataStore
	Directories   storage.Factory
	Logger        pslog.Logger
	LinkTTL       time.Duration
	AccountColumn string
}

// Engine dispatches resolutions to the strategy bound to each application.
type Engine struct {
	profiles      map[string]Profile
	metadata      MetadataStore
	directories   storage.Factory
	logger        pslog.Logger
	linkTTL       time.Duration
	accountColumn string
}

// NewEngine validates cfg and builds the engine. The profile table is copied
// so later mutations by the caller cannot leak in.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Metadata == nil {
		return nil, fmt.Errorf("resolve: metadata store is required")
	}
	if cfg.Directories == nil {
		return nil, fmt.Errorf("resolve: directory factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	column := cfg.AccountColumn
	if column == "" {
		column = DefaultAccountColumn
	}
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		profile.Application = name
		profile.Containers = append([]string(nil), profile.Containers...)
		profiles[name] = profile
	}
	return &Engine{
		profiles:      profiles,
		metadata:      cfg.Metadata,
		directories:   cfg.Directories,
		logger:        logger.With("sys", "resolve"),
		linkTTL:       ttl,
		accountColumn: column,
	}, nil
}

// Profiles returns the configured application names in no particular order.
func (e *Engine) Profiles() []string {
	names := make([]string, 0, len(e.profiles))
	for name := range e.profiles {
		names = append(names, name)
	}
	return names
}

// Resolve selects the strategy for application and runs it for companyID.
// Failures carry a *Error kind; anything else is a transport-level fault.
func (e *Engine) Resolve(ctx context.Context, application, companyID string) (*Result, error) {
	application = strings.TrimSpace(application)
	companyID = strings.TrimSpace(companyID)
	if application == "" || companyID == "" {
		return nil, &Error{Kind: KindInvalidRequest, Detail: "application_name and company_id are required"}
	}
	profile, ok := e.profiles[application]
	if !ok {
		return nil, &Error{Kind: KindUnknownApplication, Detail: fmt.Sprintf("application %q is not configured", application)}
	}
	dir, err := e.directories.Directory(ctx, profile.Account)
	if err != nil {
		return nil, fmt.Errorf("resolve: directory for account %q: %w", profile.Account, err)
	}
	strategy := StrategyFor(application)
	logger := e.logger.With("application", application, "company_id", companyID, "strategy", string(strategy))

	var files []MatchedFile
	switch strategy {
	case StrategyUploadTracking:
		files, err = e.resolveUploadTracking(ctx, logger, dir, profile, companyID)
	case StrategyProcessedWorkbook:
		files, err = e.resolveProcessedWorkbook(ctx, logger, dir, profile, application, companyID)
	case StrategyContentMatch:
		files, err = e.resolveContentMatch(ctx, logger, dir, profile, companyID)
	default:
		files, err = e.resolveRecency(ctx, logger, dir, profile, companyID)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("resolve.completed", "matched", len(files))
	return &Result{
		Application: application,
		CompanyID:   companyID,
		Strategy:    strategy,
		Files:       files,
	}, nil
}

func (e *Engine) issueLink(ctx context.Context, dir storage.Directory, container, name string) (string, error) {
	link, err := dir.IssueLink(ctx, container, name, e.linkTTL)
	if err != nil {
		return "", &Error{
			Kind:   KindLinkIssuance,
			Detail: fmt.Sprintf("issue link for %s/%s", container, name),
			Err:    err,
		}
	}
	return link, nil
}
