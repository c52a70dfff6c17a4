// Package azure implements the storage.Directory boundary on top of Azure
// Blob Storage, including SAS link issuance via user-delegation keys.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/feedworks/feedgate/internal/storage"
	"pkt.systems/pslog"
)

// DefaultEndpointPattern expands an account name into its public HTTPS endpoint.
const DefaultEndpointPattern = "https://%s.blob.core.windows.net"

// DefaultLinkTTL bounds issued links when the caller supplies no TTL.
const DefaultLinkTTL = 15 * time.Minute

// Config controls how Directory handles are built per storage account.
type Config struct {
	// EndpointPattern must contain one %s verb for the account name.
	// Empty selects DefaultEndpointPattern.
	EndpointPattern string
	// ClientID selects a user-assigned managed identity. Empty falls back
	// to the default Azure credential chain.
	ClientID string
	// AccountKeys maps account name to a shared key. Accounts listed here
	// authenticate with the key and sign links with shared-key SAS instead
	// of user delegation (local development and tests).
	AccountKeys map[string]string
	// MaxFetchBytes caps Fetch payloads. Zero means no cap.
	MaxFetchBytes int64
}

// Factory builds and reuses per-account Directory handles.
type Factory struct {
	cfg    Config
	logger pslog.Logger

	mu   sync.Mutex
	dirs map[string]*Directory
}

// NewFactory constructs a Factory. A nil logger is replaced with a noop one.
func NewFactory(cfg Config, logger pslog.Logger) *Factory {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.EndpointPattern == "" {
		cfg.EndpointPattern = DefaultEndpointPattern
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With("sys", "storage.azure"),
		dirs:   make(map[string]*Directory),
	}
}

// Directory returns the handle for account, constructing it on first use.
func (f *Factory) Directory(_ context.Context, account string) (storage.Directory, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir, ok := f.dirs[account]; ok {
		return dir, nil
	}
	dir, err := f.newDirectory(account)
	if err != nil {
		return nil, err
	}
	f.dirs[account] = dir
	return dir, nil
}

func (f *Factory) newDirectory(account string) (*Directory, error) {
	endpoint := fmt.Sprintf(f.cfg.EndpointPattern, account)
	opts := defaultClientOptions()
	dir := &Directory{
		account:       account,
		endpoint:      strings.TrimRight(endpoint, "/"),
		maxFetchBytes: f.cfg.MaxFetchBytes,
		logger:        f.logger.With("account", account),
	}
	if key := f.cfg.AccountKeys[account]; key != "" {
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, fmt.Errorf("azure: build shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(dir.endpoint, cred, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		dir.client = client
		dir.sharedKey = cred
		return dir, nil
	}
	cred, err := f.tokenCredential()
	if err != nil {
		return nil, err
	}
	client, err := azblob.NewClient(dir.endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	dir.client = client
	return dir, nil
}

func (f *Factory) tokenCredential() (azcore.TokenCredential, error) {
	if f.cfg.ClientID != "" {
		cred, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(f.cfg.ClientID),
		})
		if err != nil {
			return nil, fmt.Errorf("azure: managed identity credential: %w", err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure: default credential: %w", err)
	}
	return cred, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	transport := defaultTransporter()
	if transport == nil {
		return nil
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transport,
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

// Directory implements storage.Directory for one Azure storage account.
type Directory struct {
	account       string
	endpoint      string
	client        *azblob.Client
	sharedKey     *azblob.SharedKeyCredential
	maxFetchBytes int64
	logger        pslog.Logger
}

// Account returns the storage account this directory is scoped to.
func (d *Directory) Account() string { return d.account }

// List enumerates objects in container filtered by prefix.
func (d *Directory) List(ctx context.Context, container, prefix string) ([]storage.StoredObject, error) {
	var opts *azblob.ListBlobsFlatOptions
	if prefix != "" {
		opts = &azblob.ListBlobsFlatOptions{Prefix: &prefix}
	}
	pager := d.client.NewListBlobsFlatPager(container, opts)
	var objects []storage.StoredObject
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil, storage.ErrNotFound
			}
			return nil, fmt.Errorf("azure: list objects: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			obj := storage.StoredObject{Container: container, Name: *item.Name}
			if item.Properties != nil && item.Properties.LastModified != nil {
				obj.LastModified = *item.Properties.LastModified
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// Fetch downloads the full object body, bounded by MaxFetchBytes when set.
func (d *Directory) Fetch(ctx context.Context, container, name string) ([]byte, error) {
	resp, err := d.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("azure: download object: %w", err)
	}
	defer resp.Body.Close()
	reader := io.Reader(resp.Body)
	if d.maxFetchBytes > 0 {
		reader = io.LimitReader(resp.Body, d.maxFetchBytes+1)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("azure: read object: %w", err)
	}
	if d.maxFetchBytes > 0 && int64(len(payload)) > d.maxFetchBytes {
		return nil, fmt.Errorf("azure: object %s/%s exceeds fetch limit of %d bytes", container, name, d.maxFetchBytes)
	}
	return payload, nil
}

// IssueLink mints a read-only SAS URL for the object, valid for ttl from now.
// Accounts configured with a shared key sign locally; all others obtain a
// user-delegation key scoped to the same window first.
func (d *Directory) IssueLink(ctx context.Context, container, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	start := time.Now().UTC()
	expiry := start.Add(ttl)
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     start,
		ExpiryTime:    expiry,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
		ContainerName: container,
		BlobName:      name,
	}
	var (
		params sas.QueryParameters
		err    error
	)
	if d.sharedKey != nil {
		params, err = values.SignWithSharedKey(d.sharedKey)
	} else {
		info := service.KeyInfo{
			Start:  to.Ptr(start.Format(sas.TimeFormat)),
			Expiry: to.Ptr(expiry.Format(sas.TimeFormat)),
		}
		var delegation *service.UserDelegationCredential
		delegation, err = d.client.ServiceClient().GetUserDelegationCredential(ctx, info, nil)
		if err != nil {
			return "", fmt.Errorf("azure: delegation key: %w", err)
		}
		params, err = values.SignWithUserDelegation(delegation)
	}
	if err != nil {
		return "", fmt.Errorf("azure: sign link: %w", err)
	}
	d.logger.Debug("link.issued", "container", container, "object", name, "expires_at", expiry)
	return fmt.Sprintf("%s/%s/%s?%s", d.endpoint, container, escapeObjectPath(name), params.Encode()), nil
}

func escapeObjectPath(name string) string {
	segments := strings.Split(strings.TrimPrefix(name, "/"), "/")
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return strings.Join(escaped, "/")
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
