package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/feedworks/feedgate/internal/metadata"
	"github.com/feedworks/feedgate/internal/storage"
)

type fakeDirectory struct {
	objects  map[string][]storage.StoredObject
	payloads map[string][]byte
	fetchErr map[string]error
	linkErr  error
	issued   []string
}

func objectKey(container, name string) string { return container + "/" + name }

func (d *fakeDirectory) List(_ context.Context, container, prefix string) ([]storage.StoredObject, error) {
	var out []storage.StoredObject
	for _, obj := range d.objects[container] {
		if prefix == "" || strings.HasPrefix(obj.Name, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Fetch(_ context.Context, container, name string) ([]byte, error) {
	key := objectKey(container, name)
	if err := d.fetchErr[key]; err != nil {
		return nil, err
	}
	payload, ok := d.payloads[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return payload, nil
}

func (d *fakeDirectory) IssueLink(_ context.Context, container, name string, _ time.Duration) (string, error) {
	if d.linkErr != nil {
		return "", d.linkErr
	}
	link := fmt.Sprintf("https://links.test/%s/%s?sig=abc", container, name)
	d.issued = append(d.issued, objectKey(container, name))
	return link, nil
}

type fakeFactory struct {
	dir      *fakeDirectory
	accounts []string
}

func (f *fakeFactory) Directory(_ context.Context, account string) (storage.Directory, error) {
	f.accounts = append(f.accounts, account)
	return f.dir, nil
}

type fakeMetadata struct {
	upload         *metadata.UploadRecord
	uploadErr      error
	integration    *metadata.IntegrationRecord
	integrationErr error
}

func (m *fakeMetadata) LatestUploadRecord(_ context.Context, _ string) (*metadata.UploadRecord, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return m.upload, nil
}

func (m *fakeMetadata) IntegrationRecord(_ context.Context, _ string) (*metadata.IntegrationRecord, error) {
	if m.integrationErr != nil {
		return nil, m.integrationErr
	}
	return m.integration, nil
}

func testProfiles(containers ...string) map[string]Profile {
	if len(containers) == 0 {
		containers = []string{"primary"}
	}
	profiles := make(map[string]Profile)
	for _, app := range []string{"ATnA", "F5", "CHECKPOINT", "PALOALTO", "EAROI", "MCE"} {
		profiles[app] = Profile{Account: "acct1", Containers: containers}
	}
	return profiles
}

func newTestEngine(t *testing.T, profiles map[string]Profile, meta MetadataStore, dir *fakeDirectory) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{
		Profiles:    profiles,
		Metadata:    meta,
		Directories: &fakeFactory{dir: dir},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	got, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected typed error, got %v", err)
	}
	if got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
}

func TestResolveInvalidRequest(t *testing.T) {
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{}, &fakeDirectory{})
	_, err := engine.Resolve(context.Background(), "", "ACME01")
	wantKind(t, err, KindInvalidRequest)
	_, err = engine.Resolve(context.Background(), "F5", "   ")
	wantKind(t, err, KindInvalidRequest)
}

func TestResolveUnknownApplication(t *testing.T) {
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{}, &fakeDirectory{})
	for _, companyID := range []string{"ACME01", "anything-else"} {
		_, err := engine.Resolve(context.Background(), "NOPE", companyID)
		wantKind(t, err, KindUnknownApplication)
	}
}

func TestUploadTrackingFirstContainerWins(t *testing.T) {
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"alpha": {{Container: "alpha", Name: "feed_upl-77_a.csv"}},
		"beta":  {{Container: "beta", Name: "feed_upl-77_b.csv"}},
	}}
	meta := &fakeMetadata{upload: &metadata.UploadRecord{
		CompanyID:       "ACME01",
		AssetAddUploads: []metadata.UploadEntry{{UploadID: "upl-77"}},
	}}
	engine := newTestEngine(t, testProfiles("alpha", "beta"), meta, dir)
	res, err := engine.Resolve(context.Background(), "ATnA", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(res.Files))
	}
	if res.Files[0].Container != "alpha" || res.Files[0].Name != "feed_upl-77_a.csv" {
		t.Fatalf("expected the alpha container object, got %+v", res.Files[0])
	}
}

func TestUploadTrackingFirstEntryOnly(t *testing.T) {
	// Only the first upload entry of the newest record participates; a match
	// for a later entry must not be found.
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {{Container: "primary", Name: "feed_upl-2.csv"}},
	}}
	meta := &fakeMetadata{upload: &metadata.UploadRecord{
		CompanyID: "ACME01",
		AssetAddUploads: []metadata.UploadEntry{
			{UploadID: "upl-1"},
			{UploadID: "upl-2"},
		},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	_, err := engine.Resolve(context.Background(), "ATnA", "ACME01")
	wantKind(t, err, KindNoMatchingObject)
}

func TestUploadTrackingNoRecord(t *testing.T) {
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{uploadErr: metadata.ErrNotFound}, &fakeDirectory{})
	_, err := engine.Resolve(context.Background(), "ATnA", "ACME01")
	wantKind(t, err, KindNoUploadRecord)

	engine = newTestEngine(t, testProfiles(), &fakeMetadata{upload: &metadata.UploadRecord{CompanyID: "ACME01"}}, &fakeDirectory{})
	_, err = engine.Resolve(context.Background(), "ATnA", "ACME01")
	wantKind(t, err, KindNoUploadRecord)
}

func TestProcessedWorkbookSkipsEmptyFields(t *testing.T) {
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {
			{Container: "primary", Name: "acme01_lic.csv"},
			{Container: "primary", Name: "acme01_active.csv"},
		},
	}}
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields: map[string]string{
			"license_asset_summary_workbook_processed": "acme01_lic.csv",
			"pricing_retired_workbook_processed":       "",
			"pricing_active_workbook_processed":        "acme01_active.csv",
		},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	res, err := engine.Resolve(context.Background(), "F5", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files, got %d: %+v", len(res.Files), res.Files)
	}
	if res.Files[0].Name != "acme01_lic.csv" || res.Files[1].Name != "acme01_active.csv" {
		t.Fatalf("unexpected file order: %+v", res.Files)
	}
}

func TestProcessedWorkbookFirstContainerWinsPerFilename(t *testing.T) {
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"alpha": {{Container: "alpha", Name: "orders.xlsx"}},
		"beta":  {{Container: "beta", Name: "orders.xlsx"}},
	}}
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields:    map[string]string{"orders_workbook_processed": "orders.xlsx"},
	}}
	engine := newTestEngine(t, testProfiles("alpha", "beta"), meta, dir)
	res, err := engine.Resolve(context.Background(), "CHECKPOINT", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Container != "alpha" {
		t.Fatalf("expected a single match from alpha, got %+v", res.Files)
	}
}

func TestProcessedWorkbookPartialMatch(t *testing.T) {
	// A filename with no stored object is skipped, not fatal, as long as at
	// least one other filename matched.
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {{Container: "primary", Name: "orders.xlsx"}},
	}}
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields: map[string]string{
			"orders_workbook_processed":       "orders.xlsx",
			"product_list_workbook_processed": "products.xlsx",
		},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	res, err := engine.Resolve(context.Background(), "CHECKPOINT", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Name != "orders.xlsx" {
		t.Fatalf("expected only the orders workbook, got %+v", res.Files)
	}
}

func TestProcessedWorkbookErrors(t *testing.T) {
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{integrationErr: metadata.ErrNotFound}, &fakeDirectory{})
	_, err := engine.Resolve(context.Background(), "F5", "ACME01")
	wantKind(t, err, KindNoClientRecord)

	engine = newTestEngine(t, testProfiles(), &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields:    map[string]string{"license_asset_summary_workbook_processed": ""},
	}}, &fakeDirectory{})
	_, err = engine.Resolve(context.Background(), "F5", "ACME01")
	wantKind(t, err, KindNoFilenamesConfigured)

	engine = newTestEngine(t, testProfiles(), &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields:    map[string]string{"license_asset_summary_workbook_processed": "missing.csv"},
	}}, &fakeDirectory{})
	_, err = engine.Resolve(context.Background(), "F5", "ACME01")
	wantKind(t, err, KindNoMatchingObject)
}

func contentCSV(rows ...string) []byte {
	return []byte(strings.Join(rows, "\n") + "\n")
}

func TestContentMatchCollectsAllMatches(t *testing.T) {
	dir := &fakeDirectory{
		objects: map[string][]storage.StoredObject{
			"primary": {
				{Container: "primary", Name: "usage_jan.csv"},
				{Container: "primary", Name: "usage_feb.csv"},
				{Container: "primary", Name: "no_column.csv"},
				{Container: "primary", Name: "broken.csv"},
			},
		},
		payloads: map[string][]byte{
			"primary/usage_jan.csv": contentCSV("CSP Acct Name,Usage", "ACME Corp,10"),
			"primary/usage_feb.csv": contentCSV("Usage,CSP Acct Name", "3, acme corp "),
			"primary/no_column.csv": contentCSV("Customer,Usage", "ACME Corp,10"),
		},
		fetchErr: map[string]error{
			"primary/broken.csv": errors.New("boom"),
		},
	}
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID:         "ACME01",
		ConnectionDetails: []metadata.ConnectionDetail{{CSPAccountName: " Acme Corp "}},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	res, err := engine.Resolve(context.Background(), "PALOALTO", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected both matching objects, got %+v", res.Files)
	}
	if res.Files[0].Name != "usage_jan.csv" || res.Files[1].Name != "usage_feb.csv" {
		t.Fatalf("unexpected matches: %+v", res.Files)
	}
}

func TestContentMatchEmptyScanIsSuccess(t *testing.T) {
	dir := &fakeDirectory{
		objects: map[string][]storage.StoredObject{
			"primary": {{Container: "primary", Name: "usage.csv"}},
		},
		payloads: map[string][]byte{
			"primary/usage.csv": contentCSV("CSP Acct Name,Usage", "Someone Else,1"),
		},
	}
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID:         "ACME01",
		ConnectionDetails: []metadata.ConnectionDetail{{CSPAccountName: "Acme Corp"}},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	res, err := engine.Resolve(context.Background(), "PALOALTO", "ACME01")
	if err != nil {
		t.Fatalf("expected empty success, got %v", err)
	}
	if len(res.Files) != 0 {
		t.Fatalf("expected no files, got %+v", res.Files)
	}
}

func TestContentMatchRequiresAccountName(t *testing.T) {
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{integration: &metadata.IntegrationRecord{CompanyID: "ACME01"}}, &fakeDirectory{})
	_, err := engine.Resolve(context.Background(), "PALOALTO", "ACME01")
	wantKind(t, err, KindNoAccountNameConfigured)

	engine = newTestEngine(t, testProfiles(), &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID:         "ACME01",
		ConnectionDetails: []metadata.ConnectionDetail{{CSPAccountName: "   "}},
	}}, &fakeDirectory{})
	_, err = engine.Resolve(context.Background(), "PALOALTO", "ACME01")
	wantKind(t, err, KindNoAccountNameConfigured)
}

func TestRecencyNewestWinsWithinContainer(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {
			{Container: "primary", Name: "ACME01_old.csv", LastModified: t1},
			{Container: "primary", Name: "ACME01_new.csv", LastModified: t2},
			{Container: "primary", Name: "OTHER_newest.csv", LastModified: t2.Add(time.Hour)},
		},
	}}
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{}, dir)
	res, err := engine.Resolve(context.Background(), "EAROI", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Name != "ACME01_new.csv" {
		t.Fatalf("expected the newest matching object, got %+v", res.Files)
	}
}

func TestRecencyTieKeepsFirstContainer(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"alpha": {{Container: "alpha", Name: "ACME01_a.csv", LastModified: ts}},
		"beta":  {{Container: "beta", Name: "ACME01_b.csv", LastModified: ts}},
	}}
	engine := newTestEngine(t, testProfiles("alpha", "beta"), &fakeMetadata{}, dir)
	res, err := engine.Resolve(context.Background(), "EAROI", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Container != "alpha" {
		t.Fatalf("expected the first container to win the tie, got %+v", res.Files)
	}
}

func TestRecencyEmptyScanIsSuccess(t *testing.T) {
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {{Container: "primary", Name: "OTHER_file.csv", LastModified: time.Now()}},
	}}
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{}, dir)
	res, err := engine.Resolve(context.Background(), "MCE", "ACME01")
	if err != nil {
		t.Fatalf("expected empty success, got %v", err)
	}
	if len(res.Files) != 0 {
		t.Fatalf("expected no files, got %+v", res.Files)
	}
}

func TestLinkIssuanceFailureSurfaces(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	dir := &fakeDirectory{
		objects: map[string][]storage.StoredObject{
			"primary": {{Container: "primary", Name: "ACME01.csv", LastModified: ts}},
		},
		linkErr: errors.New("delegation denied"),
	}
	engine := newTestEngine(t, testProfiles(), &fakeMetadata{}, dir)
	_, err := engine.Resolve(context.Background(), "MCE", "ACME01")
	wantKind(t, err, KindLinkIssuance)
	if !strings.Contains(err.Error(), "delegation denied") {
		t.Fatalf("expected wrapped cause in %v", err)
	}
}

func TestResolveEndToEndWorkbookExample(t *testing.T) {
	meta := &fakeMetadata{integration: &metadata.IntegrationRecord{
		CompanyID: "ACME01",
		Fields: map[string]string{
			"license_asset_summary_workbook_processed": "acme01_lic.csv",
			"pricing_retired_workbook_processed":       "",
			"pricing_active_workbook_processed":        "",
		},
	}}
	dir := &fakeDirectory{objects: map[string][]storage.StoredObject{
		"primary": {{Container: "primary", Name: "acme01_lic.csv"}},
	}}
	engine := newTestEngine(t, testProfiles(), meta, dir)
	res, err := engine.Resolve(context.Background(), "F5", "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Name != "acme01_lic.csv" {
		t.Fatalf("expected exactly acme01_lic.csv, got %+v", res.Files)
	}
	if res.Files[0].URL == "" {
		t.Fatalf("expected an issued link")
	}

	// Without the stored object the whole resolution is a not-found failure.
	dir.objects = map[string][]storage.StoredObject{}
	engine = newTestEngine(t, testProfiles(), meta, dir)
	_, err = engine.Resolve(context.Background(), "F5", "ACME01")
	wantKind(t, err, KindNoMatchingObject)
}

func TestStrategyFor(t *testing.T) {
	cases := map[string]Strategy{
		"ATnA":       StrategyUploadTracking,
		"F5":         StrategyProcessedWorkbook,
		"CHECKPOINT": StrategyProcessedWorkbook,
		"PALOALTO":   StrategyContentMatch,
		"EAROI":      StrategyRecency,
		"BYOW":       StrategyRecency,
	}
	for app, want := range cases {
		if got := StrategyFor(app); got != want {
			t.Fatalf("StrategyFor(%q) = %s, want %s", app, got, want)
		}
	}
}
