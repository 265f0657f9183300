package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docsage/docsage/pkg/fn"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// PointsClient is the subset of the qdrant points service used here.
type PointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// CollectionsClient is the subset of the qdrant collections service used here.
type CollectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

const upsertBatch = 256

// QdrantBuilder writes each build into a fresh collection named <prefix>_v<version>.
type QdrantBuilder struct {
	conn        *grpc.ClientConn
	points      PointsClient
	collections CollectionsClient
	prefix      string
	retry       fn.RetryOpts
	log         *slog.Logger
}

// NewQdrant dials qdrant's gRPC port at addr.
func NewQdrant(addr, prefix string, log *slog.Logger) (*QdrantBuilder, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("index: dial qdrant %s: %w", addr, err)
	}
	b := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), prefix)
	b.conn = conn
	if log != nil {
		b.log = log
	}
	return b, nil
}

// NewWithClients builds a QdrantBuilder on existing clients.
func NewWithClients(points PointsClient, collections CollectionsClient, prefix string) *QdrantBuilder {
	if prefix == "" {
		prefix = "docsage"
	}
	b := &QdrantBuilder{points: points, collections: collections, prefix: prefix, log: slog.Default()}
	b.retry = fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Jitter:      true,
		Retryable:   transientRPC,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			b.log.Warn("index: qdrant retry", "attempt", attempt, "wait", wait, "err", err)
		},
	}
	return b
}

// transientRPC reports gRPC failures worth repeating. Upserts are keyed by
// point id, so a repeated batch overwrites rather than duplicates.
func transientRPC(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (b *QdrantBuilder) Name() string { return BackendQdrant }

// Close closes the gRPC connection, if this builder owns one.
func (b *QdrantBuilder) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Collection returns the collection name used for version.
func (b *QdrantBuilder) Collection(version uint64) string {
	return fmt.Sprintf("%s_v%d", b.prefix, version)
}

func (b *QdrantBuilder) Build(ctx context.Context, version uint64, items []Item) (Index, error) {
	dim, err := checkItems(items)
	if err != nil {
		return nil, err
	}
	name := b.Collection(version)
	if err := b.recreate(ctx, name, dim); err != nil {
		return nil, err
	}
	for start := 0; start < len(items); start += upsertBatch {
		end := min(start+upsertBatch, len(items))
		if err := b.upsert(ctx, name, start, items[start:end]); err != nil {
			b.drop(name)
			return nil, err
		}
	}
	b.log.Info("index: qdrant collection ready", "collection", name, "points", len(items))
	return &Qdrant{b: b, collection: name, dim: dim, n: len(items)}, nil
}

func (b *QdrantBuilder) recreate(ctx context.Context, name string, dim int) error {
	list, err := b.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("index: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			if _, err := b.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
				return fmt.Errorf("index: delete stale collection %s: %w", name, err)
			}
		}
	}
	_, err = b.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: create collection %s: %w", name, err)
	}
	return nil
}

func (b *QdrantBuilder) upsert(ctx context.Context, name string, offset int, items []Item) error {
	points := make([]*pb.PointStruct, len(items))
	for i, it := range items {
		c := it.Chunk
		payload := map[string]*pb.Value{
			"chunk_id": strValue(c.ID),
			"text":     strValue(c.Text),
			"source":   strValue(c.Source),
			"page":     intValue(int64(c.Page)),
			"index":    intValue(int64(c.Index)),
			"offset":   intValue(int64(c.Offset)),
			"pos":      intValue(int64(offset + i)),
		}
		for k, v := range c.Metadata {
			payload["meta_"+k] = strValue(v)
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(c.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: it.Vector}}},
			Payload: payload,
		}
	}
	wait := true
	req := &pb.UpsertPoints{CollectionName: name, Wait: &wait, Points: points}
	err := fn.RetryErr(ctx, b.retry, func(ctx context.Context) error {
		_, err := b.points.Upsert(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d points into %s: %w", len(points), name, err)
	}
	return nil
}

func (b *QdrantBuilder) drop(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		b.log.Warn("index: drop collection", "collection", name, "err", err)
	}
}

// pointID keeps chunk UUIDs as-is and derives one for any other ID.
func pointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func strValue(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
func intValue(n int64) *pb.Value  { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}} }

// Qdrant is one published qdrant collection.
type Qdrant struct {
	b          *QdrantBuilder
	collection string
	dim        int
	n          int
}

func (q *Qdrant) Len() int           { return q.n }
func (q *Qdrant) Dimension() int     { return q.dim }
func (q *Qdrant) Collection() string { return q.collection }

// Close deletes the collection. The slot calls it once the index is replaced.
func (q *Qdrant) Close() error {
	q.b.drop(q.collection)
	return nil
}

func (q *Qdrant) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := checkQuery(vec, q.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	resp, err := q.b.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant search %s: %w", q.collection, err)
	}

	res := resp.GetResult()
	hits := make([]Hit, len(res))
	pos := make([]int64, len(res))
	for i, r := range res {
		hits[i] = Hit{Score: r.GetScore()}
		c := &hits[i].Chunk
		for k, v := range r.GetPayload() {
			switch k {
			case "chunk_id":
				c.ID = v.GetStringValue()
			case "text":
				c.Text = v.GetStringValue()
			case "source":
				c.Source = v.GetStringValue()
			case "page":
				c.Page = int(v.GetIntegerValue())
			case "index":
				c.Index = int(v.GetIntegerValue())
			case "offset":
				c.Offset = int(v.GetIntegerValue())
			case "pos":
				pos[i] = v.GetIntegerValue()
			default:
				if mk, ok := strings.CutPrefix(k, "meta_"); ok {
					if c.Metadata == nil {
						c.Metadata = map[string]string{}
					}
					c.Metadata[mk] = v.GetStringValue()
				}
			}
		}
		if c.ID == "" {
			c.ID = r.GetId().GetUuid()
		}
	}
	order := make([]int, len(hits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ha, hb := hits[order[a]], hits[order[b]]
		if ha.Score != hb.Score {
			return ha.Score > hb.Score
		}
		return pos[order[a]] < pos[order[b]]
	})
	out := make([]Hit, len(hits))
	for i, j := range order {
		out[i] = hits[j]
	}
	return out, nil
}
