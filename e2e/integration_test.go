//go:build e2e

// Package e2e contains end-to-end integration tests using a real DynamoDB table.
// Run with: go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/arbor/cache"
	"github.com/jacentio/arbor/dynamo"
)

// Test configuration
const (
	// Optional shared config profile; the default credential chain is used otherwise
	profileEnv = "ARBOR_E2E_PROFILE"

	// Table names - unique per test run to avoid conflicts
	tablePrefix = "arbor-e2e-test"
	parentIndex = "by_parent"

	rootFolders  = 25
	nestedFiles  = 7
	expandedName = "folder-03"
)

var (
	testID    string
	nodeTable string

	ddbClient *dynamodb.Client
)

// node is one row of the hierarchy table.
type node struct {
	ID        string `dynamodbav:"id"`
	EntityRef string `dynamodbav:"entity_ref"`
	ParentRef string `dynamodbav:"parent_ref"`
	Name      string `dynamodbav:"name"`
	Kind      string `dynamodbav:"kind"`
	TTL       int64  `dynamodbav:"ttl,omitempty"`
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	nodeTable = fmt.Sprintf("%s-%s-nodes", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Table: %s\n", nodeTable)

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if profile := os.Getenv(profileEnv); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}

	ddbClient = dynamodb.NewFromConfig(cfg)

	if err := createTable(ctx); err != nil {
		fmt.Printf("Failed to create table: %v\n", err)
		os.Exit(1)
	}
	if err := seed(ctx); err != nil {
		fmt.Printf("Failed to seed table: %v\n", err)
		_ = deleteTable(ctx)
		os.Exit(1)
	}

	code := m.Run()

	if err := deleteTable(ctx); err != nil {
		fmt.Printf("Failed to delete table: %v\n", err)
	}

	os.Exit(code)
}

func createTable(ctx context.Context) error {
	fmt.Println("Creating test table...")

	_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(nodeTable),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("parent_ref"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("name"), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(parentIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("parent_ref"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("name"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", nodeTable, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(ddbClient)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(nodeTable),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", nodeTable, err)
	}

	fmt.Println("Table created and active")
	return nil
}

func deleteTable(ctx context.Context) error {
	fmt.Println("Deleting test table...")

	_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(nodeTable),
	})
	if err != nil {
		return err
	}

	fmt.Println("Table deleted")
	return nil
}

// seed writes rootFolders folders under the root, nestedFiles files under
// expandedName, and one soft-deleted folder.
func seed(ctx context.Context) error {
	var rows []node
	for i := range rootFolders {
		name := fmt.Sprintf("folder-%02d", i)
		rows = append(rows, node{ID: name, EntityRef: "folder#" + name, ParentRef: "root", Name: name, Kind: "folder"})
	}
	for i := range nestedFiles {
		name := fmt.Sprintf("file-%02d", i)
		rows = append(rows, node{ID: name, EntityRef: "file#" + name, ParentRef: "folder#" + expandedName, Name: name, Kind: "file"})
	}
	rows = append(rows, node{
		ID: "deleted", EntityRef: "folder#deleted", ParentRef: "root", Name: "folder-zz",
		Kind: "folder", TTL: time.Now().Add(-time.Hour).Unix(),
	})

	for _, row := range rows {
		item, err := attributevalue.MarshalMap(row)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", row.ID, err)
		}
		if _, err := ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(nodeTable),
			Item:      item,
		}); err != nil {
			return fmt.Errorf("put %s: %w", row.ID, err)
		}
	}

	// The GSI is eventually consistent
	provider, err := newProvider(nil)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		_, rootSize, rootErr := provider.FetchPage(ctx, cache.Params{PageSize: 1})
		_, nestedSize, nestedErr := provider.FetchPage(ctx, cache.Params{
			PageSize:   1,
			ParentItem: map[string]any{"entity_ref": "folder#" + expandedName},
		})
		if rootErr == nil && nestedErr == nil && rootSize == rootFolders && nestedSize == nestedFiles {
			return nil
		}
		provider.Reset()
		time.Sleep(time.Second)
	}
	return fmt.Errorf("index did not converge")
}

func newProvider(onError func(cache.Params, error)) (*dynamo.Provider, error) {
	cfg := dynamo.DefaultConfig()
	cfg.TableName = nodeTable
	cfg.ParentIndex = parentIndex
	cfg.SortKey = "name"
	cfg.Attributes = []string{"name", "kind"}
	cfg.OnError = onError
	return dynamo.NewProvider(ddbClient, cfg, nil)
}

// newOrchestrator wires a provider into a cache and returns a channel
// receiving a value after every change.
func newOrchestrator(t *testing.T, pageSize int) (*cache.Orchestrator, <-chan struct{}) {
	t.Helper()
	provider, err := newProvider(func(params cache.Params, err error) {
		fmt.Printf("Warning: fetch page %d failed: %v\n", params.Page, err)
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	changed := make(chan struct{}, 1)
	cfg := cache.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.ItemIDPath = "entity_ref"
	o := cache.New(provider, cfg, nil)
	o.SetOnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	return o, changed
}

// waitFor blocks until cond holds, re-checking on every change.
func waitFor(t *testing.T, changed <-chan struct{}, cond func() bool) {
	t.Helper()
	timeout := time.After(30 * time.Second)
	for !cond() {
		select {
		case <-changed:
		case <-time.After(100 * time.Millisecond):
		case <-timeout:
			t.Fatal("timed out waiting for cache")
		}
	}
}

func waitForItem(t *testing.T, o *cache.Orchestrator, changed <-chan struct{}, flat int) map[string]any {
	t.Helper()
	var item cache.Item
	waitFor(t, changed, func() bool {
		var ok bool
		item, ok = o.ItemForIndex(flat)
		return ok
	})
	return item.(map[string]any)
}

// --- Provider Tests ---

func TestProvider_Pages(t *testing.T) {
	ctx := context.Background()
	provider, err := newProvider(nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	tests := []struct {
		page     int
		expected int
		first    string
	}{
		{0, 10, "folder-00"},
		{2, 5, "folder-20"},
		{1, 10, "folder-10"},
		{3, 0, ""},
	}

	for _, tt := range tests {
		items, size, err := provider.FetchPage(ctx, cache.Params{Page: tt.page, PageSize: 10})
		if err != nil {
			t.Fatalf("FetchPage(%d) failed: %v", tt.page, err)
		}
		if size != rootFolders {
			t.Errorf("page %d: expected size %d, got %d", tt.page, rootFolders, size)
		}
		if len(items) != tt.expected {
			t.Errorf("page %d: expected %d items, got %d", tt.page, tt.expected, len(items))
			continue
		}
		if tt.expected > 0 && items[0].(map[string]any)["name"] != tt.first {
			t.Errorf("page %d: expected first %q, got %v", tt.page, tt.first, items[0].(map[string]any)["name"])
		}
	}
}

func TestProvider_ExcludesSoftDeleted(t *testing.T) {
	provider, err := newProvider(nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	items, _, err := provider.FetchPage(context.Background(), cache.Params{PageSize: 100})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	for _, item := range items {
		if item.(map[string]any)["id"] == "deleted" {
			t.Error("expected soft-deleted row to be excluded")
		}
	}
}

func TestProvider_SortDescending(t *testing.T) {
	provider, err := newProvider(nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	items, _, err := provider.FetchPage(context.Background(), cache.Params{
		PageSize:   3,
		SortOrders: []cache.Sorter{{Path: "name", Direction: cache.Descending}},
	})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(items) != 3 || items[0].(map[string]any)["name"] != "folder-24" {
		t.Errorf("expected folder-24 first, got %v", items)
	}
}

func TestProvider_Filter(t *testing.T) {
	provider, err := newProvider(nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	items, size, err := provider.FetchPage(context.Background(), cache.Params{
		PageSize: 10,
		Filters:  []cache.Filter{{Path: "name", Value: "folder-1"}},
	})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if size != 10 || len(items) != 10 {
		t.Errorf("expected folder-10..folder-19, got size %d with %d items", size, len(items))
	}
}

// --- Cache Tests ---

func TestCache_LoadsPagesOnDemand(t *testing.T) {
	o, changed := newOrchestrator(t, 10)

	waitFor(t, changed, func() bool { return o.Size() == rootFolders })

	item := waitForItem(t, o, changed, 23)
	if item["name"] != "folder-23" {
		t.Errorf("expected folder-23, got %v", item["name"])
	}
	if o.Loading() {
		t.Error("expected no pending pages")
	}
}

func TestCache_ExpandAndCollapse(t *testing.T) {
	o, changed := newOrchestrator(t, 10)

	folder := waitForItem(t, o, changed, 3)
	if folder["name"] != expandedName {
		t.Fatalf("expected %s at flat 3, got %v", expandedName, folder["name"])
	}

	o.ExpandItem(folder)
	waitFor(t, changed, func() bool { return o.Size() == rootFolders+nestedFiles })

	first := waitForItem(t, o, changed, 4)
	if first["name"] != "file-00" {
		t.Errorf("expected file-00 at flat 4, got %v", first["name"])
	}
	if o.Level(4) != 1 {
		t.Errorf("expected level 1, got %d", o.Level(4))
	}

	after := waitForItem(t, o, changed, 4+nestedFiles)
	if after["name"] != "folder-04" {
		t.Errorf("expected folder-04 after the expanded rows, got %v", after["name"])
	}

	o.CollapseItem(folder)
	if o.Size() != rootFolders {
		t.Errorf("expected size %d after collapse, got %d", rootFolders, o.Size())
	}
	item := waitForItem(t, o, changed, 4)
	if item["name"] != "folder-04" {
		t.Errorf("expected folder-04 at flat 4, got %v", item["name"])
	}
}

func TestCache_ClearKeepsExpansion(t *testing.T) {
	o, changed := newOrchestrator(t, 10)

	folder := waitForItem(t, o, changed, 3)
	o.ExpandItem(folder)
	waitFor(t, changed, func() bool { return o.Size() == rootFolders+nestedFiles })

	generation := o.Generation()
	o.ClearCache()
	if o.Generation() == generation {
		t.Error("expected a new generation")
	}

	waitFor(t, changed, func() bool { return o.Size() == rootFolders+nestedFiles })
	if !o.IsExpanded(folder) {
		t.Error("expected folder to stay expanded")
	}
}

func TestCache_Filter(t *testing.T) {
	o, changed := newOrchestrator(t, 10)
	waitFor(t, changed, func() bool { return o.Size() == rootFolders })

	o.SetFilters([]cache.Filter{{Path: "name", Value: "folder-2"}})
	waitFor(t, changed, func() bool { return o.Size() == 5 })

	item := waitForItem(t, o, changed, 0)
	if item["name"] != "folder-20" {
		t.Errorf("expected folder-20, got %v", item["name"])
	}
}
