// Package stream provides the DynamoDB Streams handler that cascades
// TTL-based deletes through the hierarchy.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/arbor/dynamo"
)

// Handler processes nodes-table stream events for cascade deletes. It is the
// delete path for subtrees too large for one transaction: each node whose
// TTL is newly set stamps its children with the same TTL, and their stream
// records carry the cascade one level further.
type Handler struct {
	store  *dynamo.Store
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(s *dynamo.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  s,
		logger: logger,
	}
}

// HandleCascadeDelete processes DynamoDB stream events to propagate TTL to
// children and purge closure edges. This function is designed to be used as
// an AWS Lambda handler.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	// Only process MODIFY events where TTL was added
	if record.EventName != "MODIFY" {
		return nil
	}

	oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
	newTTL := getNumberAttr(record.Change.NewImage, "ttl")

	// Only process when TTL is newly set (was absent/0, now present)
	if oldTTL != 0 || newTTL == 0 {
		return nil
	}

	id := getStringAttr(record.Change.NewImage, "id")
	if id == "" {
		return nil
	}

	h.logger.Info("processing cascade delete",
		"node", id,
		"ttl", newTTL,
	)

	// 1. Query all children (including already-deleted ones - idempotent)
	children, err := h.store.AllChildren(ctx, id)
	if err != nil {
		return fmt.Errorf("query children: %w", err)
	}

	// 2. Stamp the same TTL on every child (triggers their cascade via stream)
	for _, child := range children {
		if err := h.store.SetTTLAt(ctx, child.ID, newTTL); err != nil {
			h.logger.Warn("failed to set TTL on child",
				"child", child.ID,
				"error", err,
			)
			// Continue - idempotent, will retry
		}
	}

	// 3. Purge this node's closure rows. Rows naming it as ancestor are
	//    removed by its descendants' own cascade steps.
	if err := h.store.PurgeEdges(ctx, id); err != nil {
		return fmt.Errorf("purge edges: %w", err)
	}

	h.logger.Info("cascade delete completed",
		"node", id,
		"childrenProcessed", len(children),
	)

	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok {
		return v.String()
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
