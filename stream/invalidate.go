// Package stream provides a DynamoDB Streams handler that invalidates item
// caches when the underlying hierarchy changes.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// Invalidator is a cache that can discard everything it holds.
// *cache.Orchestrator implements it.
type Invalidator interface {
	ClearCache()
}

// Resetter is a data provider holding paging state derived from the table.
// *dynamo.Provider implements it.
type Resetter interface {
	Reset()
}

// Change classifies a stream record.
type Change string

const (
	// ChangeNone marks a record that does not touch a hierarchy row.
	ChangeNone Change = ""

	// ChangeInsert marks a new hierarchy row.
	ChangeInsert Change = "insert"

	// ChangeUpdate marks a modified hierarchy row.
	ChangeUpdate Change = "update"

	// ChangeSoftDelete marks a row whose ttl was just set.
	ChangeSoftDelete Change = "soft-delete"

	// ChangeRemove marks a row deleted from the table.
	ChangeRemove Change = "remove"
)

// Handler processes DynamoDB stream events for cache invalidation.
type Handler struct {
	logger     *slog.Logger
	parentAttr string

	mu        sync.Mutex
	caches    []Invalidator
	providers []Resetter
}

// NewHandler creates a new stream handler. Rows are recognized as hierarchy
// rows by the presence of parentAttr (default "parent_ref").
func NewHandler(parentAttr string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if parentAttr == "" {
		parentAttr = "parent_ref"
	}
	return &Handler{
		logger:     logger,
		parentAttr: parentAttr,
	}
}

// Register adds a cache to clear on change.
func (h *Handler) Register(c Invalidator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caches = append(h.caches, c)
}

// RegisterProvider adds a provider to reset on change. Providers are reset
// before caches are cleared so reloads see fresh paging state.
func (h *Handler) RegisterProvider(p Resetter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers = append(h.providers, p)
}

// HandleStreamEvent invalidates registered caches if any record in the batch
// changed a hierarchy row. Caches are cleared at most once per batch.
// This function can be used as an AWS Lambda handler.
func (h *Handler) HandleStreamEvent(ctx context.Context, event events.DynamoDBEvent) error {
	counts := make(map[Change]int)
	for _, record := range event.Records {
		if change := h.classify(record); change != ChangeNone {
			counts[change]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	providers := append([]Resetter(nil), h.providers...)
	caches := append([]Invalidator(nil), h.caches...)
	h.mu.Unlock()

	// 1. Drop paging state derived from the old table contents
	for _, p := range providers {
		p.Reset()
	}

	// 2. Discard cached trees; each reloads its first page
	for _, c := range caches {
		c.ClearCache()
	}

	h.logger.Info("invalidated caches",
		"records", len(event.Records),
		"inserts", counts[ChangeInsert],
		"updates", counts[ChangeUpdate],
		"softDeletes", counts[ChangeSoftDelete],
		"removals", counts[ChangeRemove],
		"caches", len(caches),
	)
	return nil
}

// classify determines how a record changed a hierarchy row.
func (h *Handler) classify(record events.DynamoDBEventRecord) Change {
	image := record.Change.NewImage
	if record.EventName == "REMOVE" {
		image = record.Change.OldImage
	}
	if getStringAttr(image, h.parentAttr) == "" && getStringAttr(record.Change.OldImage, h.parentAttr) == "" {
		return ChangeNone
	}

	switch record.EventName {
	case "INSERT":
		return ChangeInsert
	case "REMOVE":
		return ChangeRemove
	case "MODIFY":
		oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
		newTTL := getNumberAttr(record.Change.NewImage, "ttl")
		if oldTTL == 0 && newTTL != 0 {
			return ChangeSoftDelete
		}
		return ChangeUpdate
	}
	return ChangeNone
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeString {
			return v.String()
		}
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
