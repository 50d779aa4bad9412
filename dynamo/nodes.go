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
	"github.com/google/uuid"

	"github.com/jacentio/arbor/closure"
)

// CreateNode inserts a node and, when parentID is non-empty, attaches it in
// the same transaction.
func (s *Store) CreateNode(ctx context.Context, parentID, key string, scope closure.Scope) (*closure.Node, error) {
	n := closure.Node{ID: uuid.New().String(), ParentID: parentID, Key: key, Scope: scope}
	if err := s.createNodeTransact(ctx, n); err != nil {
		return nil, err
	}
	return &n, nil
}

// createNodeTransact writes the node item and its closure edges in one
// TransactWriteItems call. The node put is conditional on the id being
// unused; the parent, when set, must exist and be undeleted.
func (s *Store) createNodeTransact(ctx context.Context, n closure.Node) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.config.NodesTable),
			Item:                s.nodeItem(n),
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	}}

	parentCheckIndex := -1
	if n.ParentID != "" {
		chain, err := s.ancestorChain(ctx, n.ParentID)
		if err != nil {
			return err
		}
		parentCheckIndex = len(items)
		items = append(items, s.nodeExistsCheck(n.ParentID, now))
		for i, anc := range chain {
			put, err := s.edgePut(edgeRecord{
				AncestorID:   anc,
				DescendantID: n.ID,
				Generations:  i + 1,
			})
			if err != nil {
				return err
			}
			items = append(items, put)
		}
	}

	if len(items) > maxTransactItems {
		return fmt.Errorf("%w: creating %s needs %d writes", ErrSubtreeTooLarge, n.ID, len(items))
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == 0 {
					return fmt.Errorf("arbor: node %s already exists", n.ID)
				}
				if i == parentCheckIndex {
					return fmt.Errorf("%w: %s", closure.ErrParentNotFound, n.ParentID)
				}
				return fmt.Errorf("%w: descendant %s", closure.ErrDuplicateEdge, n.ID)
			}
		}
	}
	return err
}

// UpdateNodeKey sets a node's display-key attribute.
func (s *Store) UpdateNodeKey(ctx context.Context, id, key string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.NodesTable),
		Key:                 nodeKey(id),
		UpdateExpression:    aws.String("SET #key = :k"),
		ConditionExpression: aws.String(NodeExistsCondition()),
		ExpressionAttributeNames: map[string]string{
			"#key": s.config.KeyAttr,
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k":   &types.AttributeValueMemberS{Value: key},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return fmt.Errorf("%w: %s", closure.ErrNotFound, id)
	}
	return err
}

// DeleteNode marks a node deleted under the given policy.
//
// DeleteSubtree sets the node's TTL and leaves the rest to the stream
// cascade, which marks descendants and purges edges level by level; this is
// the only delete path that works for subtrees beyond one transaction.
// ReparentChildren synchronously moves each child under the node's parent
// (or promotes it to root) before marking the node.
func (s *Store) DeleteNode(ctx context.Context, id string, opts closure.DeleteOptions) error {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}

	if opts.Policy == closure.ReparentChildren {
		children, err := s.ChildrenOf(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if node.ParentID != "" {
				err = s.MoveToChildOf(ctx, child.ID, node.ParentID)
			} else {
				err = s.promoteToRoot(ctx, child.ID)
			}
			if err != nil {
				return err
			}
		}
		if err := s.Detach(ctx, id); err != nil {
			return err
		}
	}

	return s.SetTTL(ctx, id)
}

// promoteToRoot clears a node's parent attribute and removes every closure
// edge from outside ancestors into its subtree, in one transaction.
func (s *Store) promoteToRoot(ctx context.Context, id string) error {
	below, err := s.descendantEdges(ctx, id)
	if err != nil {
		return err
	}
	members := map[string]int{id: 0}
	for _, e := range below {
		members[e.DescendantID] = e.Generations
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:           aws.String(s.config.NodesTable),
			Key:                 nodeKey(id),
			UpdateExpression:    aws.String("REMOVE #parent"),
			ConditionExpression: aws.String("attribute_exists(id)"),
			ExpressionAttributeNames: map[string]string{
				"#parent": s.config.ParentAttr,
			},
		},
	}}

	for member := range members {
		ancestors, err := s.ancestorEdges(ctx, member)
		if err != nil {
			return err
		}
		for _, e := range ancestors {
			if _, internal := members[e.AncestorID]; internal {
				continue
			}
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.config.EdgesTable),
					Key:       e.key(s.config.NumShards),
				},
			})
		}
	}

	if len(items) > maxTransactItems {
		return fmt.Errorf("%w: promoting %s needs %d writes", ErrSubtreeTooLarge, id, len(items))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return err
}

// SetTTL marks a node deleted by stamping its TTL with the current time.
// The nodes-table stream picks the change up and cascades.
func (s *Store) SetTTL(ctx context.Context, id string) error {
	return s.SetTTLAt(ctx, id, time.Now().Unix())
}

// SetTTLAt marks a node deleted with an explicit TTL value. The cascade uses
// it to stamp children with the parent's timestamp, so a whole subtree
// expires together.
func (s *Store) SetTTLAt(ctx context.Context, id string, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.NodesTable),
		Key:                 nodeKey(id),
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return fmt.Errorf("%w: %s", closure.ErrNotFound, id)
	}
	return err
}

// AllChildren lists a node's direct children including TTL-deleted ones.
// The stream cascade uses it so re-delivered records stay idempotent.
func (s *Store) AllChildren(ctx context.Context, parentID string) ([]closure.Node, error) {
	var nodes []closure.Node
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.NodesTable),
		IndexName:              aws.String(s.config.ByParentIndex),
		KeyConditionExpression: aws.String("#parent = :p"),
		ExpressionAttributeNames: map[string]string{
			"#parent": s.config.ParentAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: parentID},
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

// PurgeEdges removes every closure row naming the node as descendant, in
// BatchWriteItem chunks. Unlike Detach it has no size ceiling and no
// atomicity: it is the stream cascade's per-node cleanup step and safe to
// re-run.
func (s *Store) PurgeEdges(ctx context.Context, id string) error {
	ancestors, err := s.ancestorEdges(ctx, id)
	if err != nil {
		return err
	}
	for start := 0; start < len(ancestors); start += 25 {
		end := start + 25
		if end > len(ancestors) {
			end = len(ancestors)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, e := range ancestors[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: e.key(s.config.NumShards)},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}
