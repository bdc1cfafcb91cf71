package dynamo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ohler55/ojg/jp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jacentio/arbor/cache"
	"github.com/jacentio/arbor/internal/page"
)

// Provider is a cache.DataProvider reading a parent/child hierarchy from a
// DynamoDB table through a GSI on the parent reference.
type Provider struct {
	client  dynamodb.QueryAPIClient
	config  Config
	logger  *slog.Logger
	refPath jp.Expr

	mu sync.Mutex
	// cursors maps query signature -> page -> exclusive start key of that page.
	cursors map[string]map[int]map[string]types.AttributeValue
	// counts maps query signature -> total row count.
	counts map[string]int
}

// NewProvider creates a new Provider.
func NewProvider(client dynamodb.QueryAPIClient, config Config, logger *slog.Logger) (*Provider, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	refPath, err := cache.ParsePath(config.RefAttr)
	if err != nil {
		return nil, fmt.Errorf("ref attribute: %w", err)
	}
	if config.QueryRate > 0 {
		client = &limitedClient{
			client:  client,
			limiter: rate.NewLimiter(rate.Limit(config.QueryRate), max(1, config.QueryBurst)),
		}
	}
	return &Provider{
		client:  client,
		config:  config,
		logger:  logger,
		refPath: refPath,
		cursors: make(map[string]map[int]map[string]types.AttributeValue),
		counts:  make(map[string]int),
	}, nil
}

// Fetch implements cache.DataProvider. The page is read on a new goroutine
// and done is called from it. On failure done is not called.
func (p *Provider) Fetch(params cache.Params, done cache.Callback) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()

		items, size, err := p.FetchPage(ctx, params)
		if err != nil {
			p.logger.Error("failed to fetch page",
				"table", p.config.TableName,
				"page", params.Page,
				"error", err,
			)
			if p.config.OnError != nil {
				p.config.OnError(params, err)
			}
			return
		}
		done(items, size)
	}()
}

// Reset drops remembered page cursors and counts. Call it when the table
// changed underneath the provider.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = make(map[string]map[int]map[string]types.AttributeValue)
	p.counts = make(map[string]int)
}

// FetchPage reads one page of children and the total child count synchronously.
func (p *Provider) FetchPage(ctx context.Context, params cache.Params) ([]cache.Item, int, error) {
	parentRef, err := p.parentRef(params.ParentItem)
	if err != nil {
		return nil, 0, err
	}

	query, sig := p.buildQuery(parentRef, params, time.Now())

	if n, ok := p.cachedCount(sig); ok && params.Page >= page.Count(n, params.PageSize) {
		return nil, n, nil
	}

	var (
		items []cache.Item
		size  int
	)
	g, gctx := errgroup.WithContext(ctx)

	// 1. Walk forward from the nearest remembered cursor
	g.Go(func() error {
		var err error
		items, err = p.walk(gctx, query, sig, params)
		return err
	})

	// 2. Count all matching rows
	g.Go(func() error {
		n, err := p.count(gctx, query, sig)
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		size = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return items, size, nil
}

// walk reads pages from the nearest remembered cursor up to params.Page,
// remembering each cursor it passes.
func (p *Provider) walk(ctx context.Context, query *dynamodb.QueryInput, sig string, params cache.Params) ([]cache.Item, error) {
	startKey, pg := p.nearestCursor(sig, params.Page)
	for ; pg <= params.Page; pg++ {
		pageItems, next, err := p.readPage(ctx, query, startKey, params.PageSize)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", pg, err)
		}
		if next != nil {
			p.rememberCursor(sig, pg+1, next)
		}
		if pg == params.Page {
			return pageItems, nil
		}
		if next == nil {
			// Requested page lies beyond the end of the data
			return nil, nil
		}
		startKey = next
	}
	return nil, nil
}

// parentRef returns the ParentAttr value shared by the children of item.
func (p *Provider) parentRef(item cache.Item) (string, error) {
	if item == nil {
		return p.config.RootRef, nil
	}
	ref, ok := p.refPath.First(item).(string)
	if !ok || ref == "" {
		return "", ErrMissingParentRef
	}
	return ref, nil
}

// buildQuery builds the item query for the children of parentRef and a
// signature identifying its result order.
func (p *Provider) buildQuery(parentRef string, params cache.Params, now time.Time) (*dynamodb.QueryInput, string) {
	exprNames := map[string]string{
		"#parent": p.config.ParentAttr,
		"#ttl":    "ttl",
	}
	exprValues := mergeExprValues(
		map[string]types.AttributeValue{
			":parent": &types.AttributeValueMemberS{Value: parentRef},
		},
		ttlFilterValues(now),
	)

	sig := []string{parentRef}
	clauses := []string{TTLFilterExpr()}
	for i, f := range params.Filters {
		attr, ok := p.attribute(f.Path, "filter")
		if !ok {
			continue
		}
		nameKey := fmt.Sprintf("#f%d", i)
		valueKey := fmt.Sprintf(":f%d", i)
		exprNames[nameKey] = attr
		exprValues[valueKey] = &types.AttributeValueMemberS{Value: f.Value}
		clauses = append(clauses, fmt.Sprintf("contains(%s, %s)", nameKey, valueKey))
		sig = append(sig, "f:"+attr+"="+f.Value)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(p.config.TableName),
		IndexName:                 aws.String(p.config.ParentIndex),
		KeyConditionExpression:    aws.String("#parent = :parent"),
		FilterExpression:          aws.String(strings.Join(clauses, " AND ")),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	}

	for i, s := range params.SortOrders {
		attr, ok := p.attribute(s.Path, "sort")
		if !ok {
			continue
		}
		if attr != p.config.SortKey || i > 0 {
			p.logger.Warn("ignoring sort on non-key attribute",
				"path", s.Path,
				"sortKey", p.config.SortKey,
			)
			continue
		}
		input.ScanIndexForward = aws.Bool(s.Direction != cache.Descending)
		sig = append(sig, "s:"+string(s.Direction))
	}

	return input, strings.Join(sig, "|")
}

// attribute resolves a filter or sort path to a top-level attribute name.
// Invalid paths are reported and ignored.
func (p *Provider) attribute(path, use string) (string, bool) {
	x, err := cache.ParsePath(path)
	if err != nil {
		p.logger.Warn("ignoring invalid path",
			"use", use,
			"path", path,
			"error", err,
		)
		return "", false
	}
	child, ok := x[len(x)-1].(jp.Child)
	if len(x) != 2 || !ok {
		p.logger.Warn("ignoring nested path",
			"use", use,
			"path", path,
		)
		return "", false
	}
	attr := string(child)
	if len(p.config.Attributes) > 0 && !slices.Contains(p.config.Attributes, attr) {
		p.logger.Warn("ignoring unknown attribute",
			"use", use,
			"path", path,
		)
		return "", false
	}
	return attr, true
}

// readPage reads up to pageSize matching rows starting at startKey and returns
// the exclusive start key of the following page (nil at the end).
func (p *Provider) readPage(ctx context.Context, base *dynamodb.QueryInput, startKey map[string]types.AttributeValue, pageSize int) ([]cache.Item, map[string]types.AttributeValue, error) {
	items := make([]cache.Item, 0, pageSize)
	key := startKey
	for {
		input := *base
		input.ExclusiveStartKey = key
		input.Limit = aws.Int32(int32(pageSize - len(items)))

		out, err := p.client.Query(ctx, &input)
		if err != nil {
			return nil, nil, err
		}
		for _, raw := range out.Items {
			var item map[string]any
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, nil, fmt.Errorf("unmarshal item: %w", err)
			}
			items = append(items, item)
		}

		key = out.LastEvaluatedKey
		if len(key) == 0 {
			return items, nil, nil
		}
		if len(items) >= pageSize {
			return items, key, nil
		}
	}
}

// count returns the number of rows matching query, cached per signature.
func (p *Provider) count(ctx context.Context, query *dynamodb.QueryInput, sig string) (int, error) {
	if n, ok := p.cachedCount(sig); ok {
		return n, nil
	}

	input := *query
	input.Select = types.SelectCount
	input.Limit = nil
	input.ExclusiveStartKey = nil

	total := 0
	paginator := dynamodb.NewQueryPaginator(p.client, &input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		total += int(out.Count)
	}

	p.mu.Lock()
	p.counts[sig] = total
	p.mu.Unlock()
	return total, nil
}

func (p *Provider) cachedCount(sig string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[sig]
	return n, ok
}

// nearestCursor returns the start key of the closest remembered page at or
// before pg. Page 0 always starts at the beginning.
func (p *Provider) nearestCursor(sig string, pg int) (map[string]types.AttributeValue, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := p.cursors[sig]
	for ; pg > 0; pg-- {
		if key, ok := pages[pg]; ok {
			return key, pg
		}
	}
	return nil, 0
}

func (p *Provider) rememberCursor(sig string, pg int, key map[string]types.AttributeValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages, ok := p.cursors[sig]
	if !ok {
		pages = make(map[int]map[string]types.AttributeValue)
		p.cursors[sig] = pages
	}
	pages[pg] = key
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// limitedClient throttles queries issued by the provider, including the
// pages of COUNT queries.
type limitedClient struct {
	client  dynamodb.QueryAPIClient
	limiter *rate.Limiter
}

func (c *limitedClient) Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.client.Query(ctx, in, optFns...)
}
