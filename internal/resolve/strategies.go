package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/feedworks/feedgate/internal/metadata"
	"github.com/feedworks/feedgate/internal/storage"
	"pkt.systems/pslog"
)

// resolveUploadTracking joins the newest upload-tracking record against the
// configured containers. The first entry of the newest record is the only
// upload considered, and the first object whose name contains its upload id
// wins; containers are scanned in configured order so earlier containers win
// ties.
func (e *Engine) resolveUploadTracking(ctx context.Context, logger pslog.Logger, dir storage.Directory, profile Profile, companyID string) ([]MatchedFile, error) {
	rec, err := e.metadata.LatestUploadRecord(ctx, companyID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("resolve: latest upload record: %w", err)
	}
	if rec == nil || len(rec.AssetAddUploads) == 0 {
		return nil, &Error{Kind: KindNoUploadRecord, Detail: fmt.Sprintf("no upload record for company %q", companyID)}
	}
	uploadID := rec.AssetAddUploads[0].UploadID
	if uploadID == "" {
		return nil, &Error{Kind: KindNoUploadRecord, Detail: fmt.Sprintf("upload record for company %q has no upload id", companyID)}
	}
	for _, container := range profile.Containers {
		objects, err := dir.List(ctx, container, "")
		if err != nil {
			return nil, fmt.Errorf("resolve: list container %q: %w", container, err)
		}
		for _, obj := range objects {
			if !strings.Contains(obj.Name, uploadID) {
				continue
			}
			link, err := e.issueLink(ctx, dir, container, obj.Name)
			if err != nil {
				return nil, err
			}
			return []MatchedFile{{Container: container, Name: obj.Name, URL: link}}, nil
		}
	}
	logger.Debug("resolve.upload_tracking.exhausted", "upload_id", uploadID)
	return nil, &Error{Kind: KindNoMatchingObject, Detail: fmt.Sprintf("no object matches upload id %q", uploadID)}
}

// resolveProcessedWorkbook matches the application-specific workbook
// filenames from the integration record against object names exactly. Each
// filename resolves independently; the first container with an exact match
// wins for that filename.
func (e *Engine) resolveProcessedWorkbook(ctx context.Context, logger pslog.Logger, dir storage.Directory, profile Profile, application, companyID string) ([]MatchedFile, error) {
	fields, ok := workbookFields[application]
	if !ok {
		return nil, fmt.Errorf("resolve: application %q has no workbook field set", application)
	}
	rec, err := e.metadata.IntegrationRecord(ctx, companyID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, &Error{Kind: KindNoClientRecord, Detail: fmt.Sprintf("no integration record for company %q", companyID)}
		}
		return nil, fmt.Errorf("resolve: integration record: %w", err)
	}
	var filenames []string
	for _, field := range fields {
		if name := rec.Field(field); name != "" {
			filenames = append(filenames, name)
		}
	}
	if len(filenames) == 0 {
		return nil, &Error{Kind: KindNoFilenamesConfigured, Detail: fmt.Sprintf("integration record for company %q carries no workbook filenames", companyID)}
	}

	var files []MatchedFile
	for _, filename := range filenames {
		matched := false
		for _, container := range profile.Containers {
			objects, err := dir.List(ctx, container, filename)
			if err != nil {
				return nil, fmt.Errorf("resolve: list container %q: %w", container, err)
			}
			for _, obj := range objects {
				if obj.Name != filename {
					continue
				}
				link, err := e.issueLink(ctx, dir, container, obj.Name)
				if err != nil {
					return nil, err
				}
				files = append(files, MatchedFile{Container: container, Name: obj.Name, URL: link})
				matched = true
				break
			}
			if matched {
				break
			}
		}
		if !matched {
			logger.Debug("resolve.workbook.unmatched", "filename", filename)
		}
	}
	if len(files) == 0 {
		return nil, &Error{Kind: KindNoMatchingObject, Detail: "no workbook filename matched any stored object"}
	}
	return files, nil
}

// resolveContentMatch scans every object in every configured container and
// keeps those whose tabular content lists the client's account name. The
// scan never exits early because several objects may match. Objects that
// cannot be fetched or parsed are skipped with a warning; an empty result
// after the full scan is success, not failure.
func (e *Engine) resolveContentMatch(ctx context.Context, logger pslog.Logger, dir storage.Directory, profile Profile, companyID string) ([]MatchedFile, error) {
	rec, err := e.metadata.IntegrationRecord(ctx, companyID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, &Error{Kind: KindNoClientRecord, Detail: fmt.Sprintf("no integration record for company %q", companyID)}
		}
		return nil, fmt.Errorf("resolve: integration record: %w", err)
	}
	if len(rec.ConnectionDetails) == 0 {
		return nil, &Error{Kind: KindNoAccountNameConfigured, Detail: fmt.Sprintf("integration record for company %q has no connection details", companyID)}
	}
	target := normalizeValue(rec.ConnectionDetails[0].CSPAccountName)
	if target == "" {
		return nil, &Error{Kind: KindNoAccountNameConfigured, Detail: fmt.Sprintf("integration record for company %q lacks an account name", companyID)}
	}

	var files []MatchedFile
	for _, container := range profile.Containers {
		objects, err := dir.List(ctx, container, "")
		if err != nil {
			return nil, fmt.Errorf("resolve: list container %q: %w", container, err)
		}
		for _, obj := range objects {
			payload, err := dir.Fetch(ctx, container, obj.Name)
			if err != nil {
				logger.Warn("resolve.content.fetch_skipped", "container", container, "object", obj.Name, "error", err)
				continue
			}
			hit, err := tabularContains(payload, e.accountColumn, target)
			if err != nil {
				logger.Warn("resolve.content.parse_skipped", "container", container, "object", obj.Name, "error", err)
				continue
			}
			if !hit {
				continue
			}
			link, err := e.issueLink(ctx, dir, container, obj.Name)
			if err != nil {
				return nil, err
			}
			files = append(files, MatchedFile{Container: container, Name: obj.Name, URL: link})
		}
	}
	return files, nil
}

// resolveRecency picks, across all configured containers, the single object
// whose name contains the client id with the newest last-modified timestamp.
// Within a container the first maximal object wins; across containers a
// later container replaces the candidate only on a strictly newer timestamp,
// so the first configured container stays ahead on ties. No match is an
// empty success.
func (e *Engine) resolveRecency(ctx context.Context, logger pslog.Logger, dir storage.Directory, profile Profile, companyID string) ([]MatchedFile, error) {
	var best *storage.StoredObject
	for _, container := range profile.Containers {
		objects, err := dir.List(ctx, container, "")
		if err != nil {
			return nil, fmt.Errorf("resolve: list container %q: %w", container, err)
		}
		var newest *storage.StoredObject
		for i := range objects {
			if !strings.Contains(objects[i].Name, companyID) {
				continue
			}
			if newest == nil || objects[i].LastModified.After(newest.LastModified) {
				newest = &objects[i]
			}
		}
		if newest != nil && (best == nil || newest.LastModified.After(best.LastModified)) {
			best = newest
		}
	}
	if best == nil {
		logger.Debug("resolve.recency.no_match")
		return nil, nil
	}
	link, err := e.issueLink(ctx, dir, best.Container, best.Name)
	if err != nil {
		return nil, err
	}
	return []MatchedFile{{Container: best.Container, Name: best.Name, URL: link}}, nil
}
