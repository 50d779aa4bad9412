package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/closure"
)

// AddChild sets the child's parent attribute and inserts one closure edge
// per node in {parent} ∪ ancestors(parent), all in one TransactWriteItems
// call. Parent existence is a transaction condition, so a vanished parent
// cancels the whole attach.
func (s *Store) AddChild(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return fmt.Errorf("%w: %s cannot be its own parent", closure.ErrCycle, childID)
	}

	ancestors, err := s.ancestorEdges(ctx, parentID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.AncestorID == childID {
			return fmt.Errorf("%w: %s is a descendant of %s", closure.ErrCycle, parentID, childID)
		}
	}

	items := []types.TransactWriteItem{}
	now := strconv.FormatInt(time.Now().Unix(), 10)

	parentCheckIndex := len(items)
	items = append(items, s.nodeExistsCheck(parentID, now))

	childUpdateIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.config.NodesTable),
			Key:                 nodeKey(childID),
			UpdateExpression:    aws.String("SET #parent = :parent"),
			ConditionExpression: aws.String(NodeExistsCondition()),
			ExpressionAttributeNames: map[string]string{
				"#parent": s.config.ParentAttr,
				"#ttl":    "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":parent": &types.AttributeValueMemberS{Value: parentID},
				":now":    &types.AttributeValueMemberN{Value: now},
			},
		},
	})

	edges := []edgeRecord{{AncestorID: parentID, DescendantID: childID, Generations: 1}}
	for _, a := range ancestors {
		edges = append(edges, edgeRecord{
			AncestorID:   a.AncestorID,
			DescendantID: childID,
			Generations:  a.Generations + 1,
		})
	}
	for _, e := range edges {
		put, err := s.edgePut(e)
		if err != nil {
			return err
		}
		items = append(items, put)
	}

	if len(items) > maxTransactItems {
		return fmt.Errorf("%w: attaching %s needs %d writes", ErrSubtreeTooLarge, childID, len(items))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return s.mapTransactError(err, parentCheckIndex, childUpdateIndex, parentID, childID)
}

// nodeExistsCheck builds a condition check asserting a node exists and is
// not TTL-deleted.
func (s *Store) nodeExistsCheck(id, now string) types.TransactWriteItem {
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                aws.String(s.config.NodesTable),
			Key:                      nodeKey(id),
			ConditionExpression:      aws.String(NodeExistsCondition()),
			ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: now},
			},
		},
	}
}

// edgePut builds a conditional put for one closure row. The condition makes
// a colliding (ancestor, descendant) pair cancel the transaction, which the
// error mapping surfaces as ErrDuplicateEdge.
func (s *Store) edgePut(e edgeRecord) (types.TransactWriteItem, error) {
	item, err := e.item(s.config.NumShards)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.config.EdgesTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}, nil
}

// Detach removes every closure edge whose descendant is the node or any of
// its descendants, in one transaction. Subtrees whose edge count exceeds
// the transaction limit must be cascaded through the stream handler instead.
func (s *Store) Detach(ctx context.Context, id string) error {
	deletes, _, err := s.subtreeEdgeDeletes(ctx, id)
	if err != nil {
		return err
	}
	if len(deletes) == 0 {
		return nil
	}
	if len(deletes) > maxTransactItems {
		return fmt.Errorf("%w: detaching %s needs %d deletes", ErrSubtreeTooLarge, id, len(deletes))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: deletes,
	})
	return err
}

// subtreeEdgeDeletes enumerates the delete items for every edge whose
// descendant belongs to the subtree rooted at id, together with the subtree
// member set.
func (s *Store) subtreeEdgeDeletes(ctx context.Context, id string) ([]types.TransactWriteItem, map[string]int, error) {
	below, err := s.descendantEdges(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	// Member depth relative to id; id itself is depth 0.
	members := map[string]int{id: 0}
	for _, e := range below {
		members[e.DescendantID] = e.Generations
	}

	var deletes []types.TransactWriteItem
	for member := range members {
		ancestors, err := s.ancestorEdges(ctx, member)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range ancestors {
			deletes = append(deletes, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.config.EdgesTable),
					Key:       e.key(s.config.NumShards),
				},
			})
		}
	}
	return deletes, members, nil
}

// OnDestroy is the pre-delete hook an owning repository must invoke before
// physically removing a node item.
func (s *Store) OnDestroy(ctx context.Context, id string) error {
	return s.Detach(ctx, id)
}

// MoveToChildOf re-homes the subtree rooted at id under newParentID in one
// transaction. Unlike the SQL store, which re-derives the whole subtree,
// this rewrites only the edges that cross the subtree boundary: DynamoDB
// transactions cannot touch the same item twice, and the internal edges are
// invariant under a move anyway.
func (s *Store) MoveToChildOf(ctx context.Context, id, newParentID string) error {
	if id == newParentID {
		return fmt.Errorf("%w: %s cannot be its own parent", closure.ErrCycle, id)
	}
	if _, err := s.GetNode(ctx, id); err != nil {
		return err
	}
	if _, err := s.GetNode(ctx, newParentID); err != nil {
		if errors.Is(err, closure.ErrNotFound) {
			return fmt.Errorf("%w: %s", closure.ErrParentNotFound, newParentID)
		}
		return err
	}

	below, err := s.descendantEdges(ctx, id)
	if err != nil {
		return err
	}
	members := map[string]int{id: 0}
	for _, e := range below {
		if e.DescendantID == newParentID {
			return fmt.Errorf("%w: %s is a descendant of %s", closure.ErrCycle, newParentID, id)
		}
		members[e.DescendantID] = e.Generations
	}

	newChain, err := s.ancestorChain(ctx, newParentID)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{}
	now := strconv.FormatInt(time.Now().Unix(), 10)

	parentCheckIndex := len(items)
	items = append(items, s.nodeExistsCheck(newParentID, now))

	nodeUpdateIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.config.NodesTable),
			Key:                 nodeKey(id),
			UpdateExpression:    aws.String("SET #parent = :parent"),
			ConditionExpression: aws.String(NodeExistsCondition()),
			ExpressionAttributeNames: map[string]string{
				"#parent": s.config.ParentAttr,
				"#ttl":    "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":parent": &types.AttributeValueMemberS{Value: newParentID},
				":now":    &types.AttributeValueMemberN{Value: now},
			},
		},
	})

	// Diff each member's outside-ancestor edges against the new chain. A
	// transaction cannot touch the same item twice, so an ancestor present
	// on both sides becomes a single Update (or nothing) instead of a
	// Delete plus a Put. Internal edges never change under a move.
	for member, depth := range members {
		ancestors, err := s.ancestorEdges(ctx, member)
		if err != nil {
			return err
		}
		oldGens := make(map[string]int)
		for _, e := range ancestors {
			if _, internal := members[e.AncestorID]; internal {
				continue
			}
			oldGens[e.AncestorID] = e.Generations
		}
		newGens := make(map[string]int, len(newChain))
		for i, anc := range newChain {
			newGens[anc] = depth + 1 + i
		}

		for anc, gen := range oldGens {
			e := edgeRecord{AncestorID: anc, DescendantID: member, Generations: gen}
			newGen, kept := newGens[anc]
			switch {
			case !kept:
				items = append(items, types.TransactWriteItem{
					Delete: &types.Delete{
						TableName: aws.String(s.config.EdgesTable),
						Key:       e.key(s.config.NumShards),
					},
				})
			case newGen != gen:
				items = append(items, types.TransactWriteItem{
					Update: &types.Update{
						TableName:        aws.String(s.config.EdgesTable),
						Key:              e.key(s.config.NumShards),
						UpdateExpression: aws.String("SET generations = :g"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":g": &types.AttributeValueMemberN{Value: strconv.Itoa(newGen)},
						},
					},
				})
			}
		}
		for anc, gen := range newGens {
			if _, existed := oldGens[anc]; existed {
				continue
			}
			put, err := s.edgePut(edgeRecord{
				AncestorID:   anc,
				DescendantID: member,
				Generations:  gen,
			})
			if err != nil {
				return err
			}
			items = append(items, put)
		}
	}

	if len(items) > maxTransactItems {
		return fmt.Errorf("%w: moving %s needs %d writes", ErrSubtreeTooLarge, id, len(items))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return s.mapTransactError(err, parentCheckIndex, nodeUpdateIndex, newParentID, id)
}

// ancestorChain returns id followed by its ancestors, nearest first.
func (s *Store) ancestorChain(ctx context.Context, id string) ([]string, error) {
	ancestors, err := s.ancestorEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := make([]string, 0, len(ancestors)+1)
	chain = append(chain, id)
	for _, a := range ancestors {
		chain = append(chain, a.AncestorID)
	}
	return chain, nil
}

// RebuildAll reconstructs the edge table from parent attributes. DynamoDB
// offers no multi-item transaction at table scale, so the rebuild is
// chunked and not atomic: it is an operator-invoked recovery step and the
// table must not take writes while it runs.
func (s *Store) RebuildAll(ctx context.Context) error {
	if err := s.truncateEdges(ctx); err != nil {
		return err
	}

	nodes, err := s.scanAllNodes(ctx)
	if err != nil {
		return err
	}

	children := make(map[string][]string)
	var roots []string
	for _, n := range nodes {
		if n.ParentID == "" {
			roots = append(roots, n.ID)
			continue
		}
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}

	var edges []edgeRecord
	var walk func(chain []string, id string)
	walk = func(chain []string, id string) {
		for i, anc := range chain {
			edges = append(edges, edgeRecord{AncestorID: anc, DescendantID: id, Generations: i + 1})
		}
		next := append([]string{id}, chain...)
		for _, child := range children[id] {
			walk(next, child)
		}
	}
	for _, root := range roots {
		for _, child := range children[root] {
			walk([]string{root}, child)
		}
	}

	return s.batchPutEdges(ctx, edges)
}

func (s *Store) scanAllNodes(ctx context.Context) ([]closure.Node, error) {
	var nodes []closure.Node
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.config.NodesTable),
		FilterExpression:         aws.String(TTLFilterExpr()),
		ExpressionAttributeNames: TTLFilterNames(),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			nodes = append(nodes, s.nodeFromItem(item))
		}
	}
	return nodes, nil
}

func (s *Store) truncateEdges(ctx context.Context) error {
	var keys []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.config.EdgesTable),
		ProjectionExpression: aws.String("pk, descendant_id"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			keys = append(keys, map[string]types.AttributeValue{
				"pk":            item["pk"],
				"descendant_id": item["descendant_id"],
			})
		}
	}

	for start := 0; start < len(keys); start += 25 {
		end := start + 25
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) batchPutEdges(ctx context.Context, edges []edgeRecord) error {
	for start := 0; start < len(edges); start += 25 {
		end := start + 25
		if end > len(edges) {
			end = len(edges)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, e := range edges[start:end] {
			item, err := e.item(s.config.NumShards)
			if err != nil {
				return err
			}
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			s.config.EdgesTable: requests,
		},
	}
	for {
		result, err := s.client.BatchWriteItem(ctx, input)
		if err != nil {
			return err
		}
		if len(result.UnprocessedItems) == 0 {
			return nil
		}
		input.RequestItems = result.UnprocessedItems
	}
}

// mapTransactError maps transaction cancellation reasons onto the domain
// errors, by item index: the parent condition check, the node write, and
// everything after are edge puts.
func (s *Store) mapTransactError(err error, parentCheckIndex, nodeWriteIndex int, parentID, nodeID string) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == parentCheckIndex {
					return fmt.Errorf("%w: %s", closure.ErrParentNotFound, parentID)
				}
				if i == nodeWriteIndex {
					return fmt.Errorf("%w: %s", closure.ErrNotFound, nodeID)
				}
				// Must be an edge put collision.
				return fmt.Errorf("%w: descendant %s", closure.ErrDuplicateEdge, nodeID)
			}
		}
	}

	return err
}
