// Package dynamo implements closure-table hierarchy maintenance on DynamoDB.
//
// It satisfies the same [closure.Hierarchy] contract as the SQL store, using
// the primitives DynamoDB gives us: one TransactWriteItems call per mutating
// operation, condition expressions for integrity checks, a sharded edge
// table for descendant reads and a (descendant_id, generations) GSI for
// ancestor reads. Node deletion is TTL-based; subtrees too large for one
// transaction are cascaded asynchronously by the stream handler.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/closure"
	"github.com/jacentio/arbor/internal/shard"
)

// maxTransactItems is the DynamoDB TransactWriteItems item limit. Mutations
// whose write set exceeds it fail with ErrSubtreeTooLarge.
const maxTransactItems = 100

// ErrSubtreeTooLarge is returned when a subtree operation needs more writes
// than fit in one DynamoDB transaction. Use the stream cascade for deletes
// of subtrees this size.
var ErrSubtreeTooLarge = errors.New("arbor: subtree exceeds one transaction")

// Store provides closure-table maintenance over DynamoDB.
type Store struct {
	client *dynamodb.Client
	config Config
}

// New creates a new Store instance.
func New(client *dynamodb.Client, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// Config returns the store's configuration after defaulting.
func (s *Store) Config() Config {
	return s.config
}

// edgeRecord is the wire form of one closure row.
type edgeRecord struct {
	AncestorID   string `dynamodbav:"ancestor_id"`
	DescendantID string `dynamodbav:"descendant_id"`
	Generations  int    `dynamodbav:"generations"`
}

func (e edgeRecord) pk(numShards int) string {
	return shard.EdgePK(e.AncestorID, e.DescendantID, numShards)
}

func (e edgeRecord) item(numShards int) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return nil, fmt.Errorf("marshal edge: %w", err)
	}
	item["pk"] = &types.AttributeValueMemberS{Value: e.pk(numShards)}
	return item, nil
}

func (e edgeRecord) key(numShards int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":            &types.AttributeValueMemberS{Value: e.pk(numShards)},
		"descendant_id": &types.AttributeValueMemberS{Value: e.DescendantID},
	}
}

// nodeKey returns the primary key for a node item.
func nodeKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// nodeFromItem converts a node item to a closure.Node.
func (s *Store) nodeFromItem(item map[string]types.AttributeValue) closure.Node {
	n := closure.Node{}
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		n.ID = v.Value
	}
	if v, ok := item[s.config.ParentAttr].(*types.AttributeValueMemberS); ok {
		n.ParentID = v.Value
	}
	if v, ok := item[s.config.KeyAttr].(*types.AttributeValueMemberS); ok {
		n.Key = v.Value
	}
	if len(s.config.ScopeAttrs) > 0 {
		n.Scope = make(closure.Scope, len(s.config.ScopeAttrs))
		for _, attr := range s.config.ScopeAttrs {
			if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
				n.Scope[attr] = v.Value
			}
		}
	}
	return n
}

// nodeItem builds a node item from a closure.Node.
func (s *Store) nodeItem(n closure.Node) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: n.ID},
	}
	if n.ParentID != "" {
		item[s.config.ParentAttr] = &types.AttributeValueMemberS{Value: n.ParentID}
	}
	if n.Key != "" {
		item[s.config.KeyAttr] = &types.AttributeValueMemberS{Value: n.Key}
	}
	for attr, val := range n.Scope {
		item[attr] = &types.AttributeValueMemberS{Value: val}
	}
	return item
}

// GetNode retrieves a node by id, returning ErrNotFound if deleted or missing.
func (s *Store) GetNode(ctx context.Context, id string) (*closure.Node, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.NodesTable),
		Key:       nodeKey(id),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil || IsDeleted(result.Item) {
		return nil, fmt.Errorf("%w: %s", closure.ErrNotFound, id)
	}
	n := s.nodeFromItem(result.Item)
	return &n, nil
}

// ancestorEdges returns the closure rows above a node, nearest first, via
// the by_descendant index.
func (s *Store) ancestorEdges(ctx context.Context, id string) ([]edgeRecord, error) {
	var edges []edgeRecord
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.EdgesTable),
		IndexName:              aws.String(s.config.ByDescendantIndex),
		KeyConditionExpression: aws.String("descendant_id = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: id},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var pageEdges []edgeRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageEdges); err != nil {
			return nil, fmt.Errorf("unmarshal edges: %w", err)
		}
		edges = append(edges, pageEdges...)
	}
	return edges, nil
}

// descendantEdges returns the closure rows below a node, fanned out across
// the edge table's shards and sorted nearest first.
func (s *Store) descendantEdges(ctx context.Context, id string) ([]edgeRecord, error) {
	pks := shard.AllPKs(id, s.config.NumShards)

	var mu sync.Mutex
	var all []edgeRecord
	var wg sync.WaitGroup
	errs := make(chan error, len(pks))

	for _, pk := range pks {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()

			var shardEdges []edgeRecord
			paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
				TableName:              aws.String(s.config.EdgesTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
				},
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					errs <- fmt.Errorf("shard %s: %w", pk, err)
					return
				}
				var pageEdges []edgeRecord
				if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageEdges); err != nil {
					errs <- err
					return
				}
				shardEdges = append(shardEdges, pageEdges...)
			}

			mu.Lock()
			all = append(all, shardEdges...)
			mu.Unlock()
		}(pk)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Generations != all[j].Generations {
			return all[i].Generations < all[j].Generations
		}
		return all[i].DescendantID < all[j].DescendantID
	})
	return all, nil
}

// AncestorsOf returns the strict ancestors of a node, nearest first.
func (s *Store) AncestorsOf(ctx context.Context, id string) ([]closure.Node, error) {
	edges, err := s.ancestorEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	nodes := make([]closure.Node, 0, len(edges))
	for _, e := range edges {
		n, err := s.GetNode(ctx, e.AncestorID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

// DescendantsOf returns the strict descendants of a node, nearest first.
func (s *Store) DescendantsOf(ctx context.Context, id string) ([]closure.Node, error) {
	edges, err := s.descendantEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	byID, err := s.batchGetNodes(ctx, edgeDescendantIDs(edges))
	if err != nil {
		return nil, err
	}
	nodes := make([]closure.Node, 0, len(edges))
	for _, e := range edges {
		if n, ok := byID[e.DescendantID]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func edgeDescendantIDs(edges []edgeRecord) []string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.DescendantID
	}
	return ids
}

// batchGetNodes fetches node items in chunks of 100 keys.
func (s *Store) batchGetNodes(ctx context.Context, ids []string) (map[string]closure.Node, error) {
	nodes := make(map[string]closure.Node, len(ids))
	for start := 0; start < len(ids); start += 100 {
		end := start + 100
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, nodeKey(id))
		}

		input := &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.config.NodesTable: {Keys: keys},
			},
		}
		for {
			result, err := s.client.BatchGetItem(ctx, input)
			if err != nil {
				return nil, err
			}
			for _, item := range result.Responses[s.config.NodesTable] {
				if IsDeleted(item) {
					continue
				}
				n := s.nodeFromItem(item)
				nodes[n.ID] = n
			}
			if len(result.UnprocessedKeys) == 0 {
				break
			}
			input.RequestItems = result.UnprocessedKeys
		}
	}
	return nodes, nil
}

// IsLeaf reports whether no edge names the node as ancestor. Shards are
// probed in parallel with early cancellation on the first hit.
func (s *Store) IsLeaf(ctx context.Context, id string) (bool, error) {
	pks := shard.AllPKs(id, s.config.NumShards)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan bool, 1)
	errs := make(chan error, len(pks))
	var wg sync.WaitGroup

	for _, pk := range pks {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			default:
			}

			result, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.config.EdgesTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
				},
				Limit: aws.Int32(1),
			})
			if err != nil {
				errs <- err
				return
			}
			if len(result.Items) > 0 {
				select {
				case found <- true:
					cancel()
				default:
				}
			}
		}(pk)
	}

	wg.Wait()
	close(found)
	close(errs)

	for hit := range found {
		if hit {
			return false, nil
		}
	}
	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return false, err
		}
	}
	return true, nil
}

// IsRoot reports whether the node's parent attribute is unset. Defined by
// the parent pointer alone, never by the edge table.
func (s *Store) IsRoot(ctx context.Context, id string) (bool, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return false, err
	}
	return n.ParentID == "", nil
}

// Level returns the node's depth: the number of closure rows naming it as
// descendant. Roots are level 0.
func (s *Store) Level(ctx context.Context, id string) (int, error) {
	edges, err := s.ancestorEdges(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(edges), nil
}

// ChildrenOf returns a node's direct children via the by_parent index.
func (s *Store) ChildrenOf(ctx context.Context, id string) ([]closure.Node, error) {
	return s.queryChildren(ctx, id, "")
}

// ChildrenByKey returns the direct children of a node whose display key
// matches the given value.
func (s *Store) ChildrenByKey(ctx context.Context, parentID, key string) ([]closure.Node, error) {
	return s.queryChildren(ctx, parentID, key)
}

// queryChildren lists children of a parent, optionally narrowed to one
// display-key value.
func (s *Store) queryChildren(ctx context.Context, parentID, key string) ([]closure.Node, error) {
	keyCond := "#parent = :p"
	exprNames := map[string]string{
		"#parent": s.config.ParentAttr,
		"#ttl":    "ttl",
	}
	exprValues := map[string]types.AttributeValue{
		":p":   &types.AttributeValueMemberS{Value: parentID},
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	if key != "" {
		keyCond += " AND #key = :k"
		exprNames["#key"] = s.config.KeyAttr
		exprValues[":k"] = &types.AttributeValueMemberS{Value: key}
	}

	var nodes []closure.Node
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.NodesTable),
		IndexName:                 aws.String(s.config.ByParentIndex),
		KeyConditionExpression:    aws.String(keyCond),
		FilterExpression:          aws.String(TTLFilterExpr()),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
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

// RootsOf returns root nodes matching the given scope. Roots have no parent
// attribute and therefore no by_parent index entry, so this scans.
func (s *Store) RootsOf(ctx context.Context, scope closure.Scope) ([]closure.Node, error) {
	return s.scanRoots(ctx, scope, "")
}

func (s *Store) scanRoots(ctx context.Context, scope closure.Scope, key string) ([]closure.Node, error) {
	filter := "attribute_not_exists(#parent) AND (" + TTLFilterExpr() + ")"
	exprNames := map[string]string{
		"#parent": s.config.ParentAttr,
		"#ttl":    "ttl",
	}
	exprValues := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	for i, attr := range s.config.ScopeAttrs {
		name := fmt.Sprintf("#scope%d", i)
		value := fmt.Sprintf(":scope%d", i)
		exprNames[name] = attr
		if val, ok := scope[attr]; ok {
			filter += fmt.Sprintf(" AND %s = %s", name, value)
			exprValues[value] = &types.AttributeValueMemberS{Value: val}
		} else {
			filter += fmt.Sprintf(" AND attribute_not_exists(%s)", name)
		}
	}
	if key != "" {
		filter += " AND #key = :k"
		exprNames["#key"] = s.config.KeyAttr
		exprValues[":k"] = &types.AttributeValueMemberS{Value: key}
	}

	var nodes []closure.Node
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.NodesTable),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
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

var _ closure.Hierarchy = (*Store)(nil)
